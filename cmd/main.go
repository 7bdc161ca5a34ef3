package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"text/template"

	log "github.com/sirupsen/logrus"
	"github.com/uswitch/vault-db-creds/pkg/config"
	"github.com/uswitch/vault-db-creds/pkg/dbconn"
	"github.com/uswitch/vault-db-creds/pkg/kube"
	"github.com/uswitch/vault-db-creds/pkg/metrics"
	"github.com/uswitch/vault-db-creds/pkg/vault"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile = kingpin.Flag("config", "Path to YAML configuration file").ExistingFile()

	vaultAddr     = kingpin.Flag("vault-addr", "Vault address, e.g. https://vault:8200").Envar("VAULT_ADDR").String()
	caCert        = kingpin.Flag("ca-cert", "Path to CA certificate to validate Vault server").String()
	caPath        = kingpin.Flag("ca-path", "Path to CA certificate directory to validate Vault server").String()
	vaultTimeout  = kingpin.Flag("vault-timeout", "Timeout for Vault requests").String()
	vaultMaxRetry = kingpin.Flag("vault-max-retry", "How long to retry failing Vault requests").String()

	loginPath = kingpin.Flag("login-path", "Mount of the userpass auth method, e.g. userpass").String()
	username  = kingpin.Flag("username", "Vault username").Envar("VAULT_USERNAME").String()
	password  = kingpin.Flag("password", "Vault password").Envar("VAULT_PASSWORD").String()

	secretPath = kingpin.Flag("secret-path", "Path to secret in Vault. eg. database/creds/foo").String()

	dbDriver  = kingpin.Flag("db-driver", "Database driver: postgres or mysql").String()
	dbAddress = kingpin.Flag("db-address", "Database address, e.g. db:5432").String()
	dbName    = kingpin.Flag("db-name", "Database name").String()
	dbParams  = kingpin.Flag("db-param", "Extra connection parameter, e.g. sslmode=require").StringMap()

	templateFile = kingpin.Flag("template", "Path to template file the credentials are rendered with").ExistingFile()
	out          = kingpin.Flag("out", "Output file name").String()

	gatewayAddress = kingpin.Flag("pushgateway", "Prometheus Pushgateway address").String()
	watchPod       = kingpin.Flag("watch-pod", "Exit when another container in this pod terminates").Default("false").Bool()

	jsonOutput = kingpin.Flag("json-log", "Output log in JSON format").Default("false").Bool()
	logLevel   = kingpin.Flag("log-level", "Log level").Default("info").Enum("debug", "info", "warn", "error")
)

var (
	SHA = ""
)

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			return nil, err
		}
	}

	override(&cfg.Vault.Addr, *vaultAddr)
	override(&cfg.Vault.CACert, *caCert)
	override(&cfg.Vault.CAPath, *caPath)
	override(&cfg.Vault.Timeout, *vaultTimeout)
	override(&cfg.Vault.MaxRetry, *vaultMaxRetry)
	override(&cfg.Auth.LoginPath, *loginPath)
	override(&cfg.Auth.Username, *username)
	override(&cfg.Auth.Password, *password)
	override(&cfg.SecretPath, *secretPath)
	override(&cfg.Database.Driver, *dbDriver)
	override(&cfg.Database.Address, *dbAddress)
	override(&cfg.Database.Name, *dbName)
	override(&cfg.Pushgateway, *gatewayAddress)
	if len(*dbParams) > 0 {
		if cfg.Database.Params == nil {
			cfg.Database.Params = map[string]string{}
		}
		for k, v := range *dbParams {
			cfg.Database.Params[k] = v
		}
	}

	return cfg, cfg.Validate()
}

func override(field *string, flag string) {
	if flag != "" {
		*field = flag
	}
}

func main() {
	kingpin.Parse()

	if *jsonOutput {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, _ := log.ParseLevel(*logLevel)
	log.SetLevel(level)

	logger := log.WithFields(log.Fields{"gitSHA": SHA})
	logger.Infof("started application")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("error loading config: ", err)
	}

	var t *template.Template
	if *templateFile != "" {
		t, err = template.ParseFiles(*templateFile)
		if err != nil {
			log.Fatal("error opening template: ", err)
		}
	}

	service, err := vault.NewVaultService(cfg.VaultConfig())
	if err != nil {
		log.Fatal("error creating client: ", err)
	}

	gateway := metrics.NewPushGateway(cfg.Pushgateway)
	timers := vault.NewSharedTimer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := dbconn.Open(ctx, service, &dbconn.Options{
		Database:   cfg.DatabaseConfig(),
		Auth:       cfg.AuthConfig(),
		SecretPath: cfg.SecretPath,
		Timers:     timers,
		Renewal:    []vault.Option{vault.WithObserver(gateway)},
	})
	if err != nil {
		log.Fatal(err)
	}

	if t != nil {
		writeCredentials(t, conn.Credentials())
	}

	exitChan := make(chan int, 1)
	if *watchPod {
		checker, err := kube.NewKubeChecker(os.Getenv("POD_NAME"), os.Getenv("NAMESPACE"))
		if err != nil {
			log.Fatal(err)
		}
		checker.Run(ctx, exitChan)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-c:
		log.Infof("shutting down")
	case exitCode = <-exitChan:
		log.Infof("shutting down")
	case <-conn.Done():
		log.Error("connection closed, credentials could no longer be renewed")
		exitCode = 1
	}

	cancel()
	if err := conn.Close(); err != nil {
		log.Errorf("error closing connection: %s", err)
	}
	os.Exit(exitCode)
}

func writeCredentials(t *template.Template, creds *vault.Credentials) {
	if *out == "" {
		t.Execute(os.Stdout, creds)
		return
	}

	file, err := os.OpenFile(*out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	t.Execute(file, creds)
	log.Printf("wrote credentials to %s", file.Name())
}
