package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordsRenewal(t *testing.T) {
	p := NewPushGateway("")

	p.SetInterval(40 * time.Second)
	p.SetExpiration(time.Minute)
	before := testutil.ToFloat64(errorCount)
	p.SetFailureCount()

	if v := testutil.ToFloat64(renewalInterval); v != 40 {
		t.Errorf("interval should be 40 got: %v", v)
	}
	if v := testutil.ToFloat64(leaseExpiration); v != 60 {
		t.Errorf("expiration should be 60 got: %v", v)
	}
	if v := testutil.ToFloat64(errorCount); v != before+1 {
		t.Errorf("error count should be %v got: %v", before+1, v)
	}

	// no address, nothing to push to
	p.Push()
}

func TestPush(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewPushGateway(server.URL)
	p.SetSuccessTime()
	p.Push()

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 {
		t.Fatalf("should push once got: %v", paths)
	}
	if !strings.HasPrefix(paths[0], "POST /metrics/job/vault-db-creds") {
		t.Errorf("unexpected push request: %s", paths[0])
	}
}
