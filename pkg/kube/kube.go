package kube

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	ExitCompleted = 0
	ExitErrored   = 2
)

// KubeChecker watches the pod this process runs in. Once another container
// terminates there is nothing left to hold database credentials for.
type KubeChecker struct {
	client    kubernetes.Interface
	namespace string
	podName   string
	interval  time.Duration
}

func NewKubeChecker(pod, namespace string) (*KubeChecker, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("error creating kube client config: %s", err)
	}

	clientSet, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error creating kube client: %s", err)
	}
	return newKubeChecker(clientSet, pod, namespace, 5*time.Second), nil
}

func newKubeChecker(client kubernetes.Interface, pod, namespace string, interval time.Duration) *KubeChecker {
	return &KubeChecker{client: client, podName: pod, namespace: namespace, interval: interval}
}

func getTerminationReason(pod *corev1.Pod) string {
	for _, containers := range pod.Status.ContainerStatuses {
		if containers.State.Terminated != nil {
			return containers.State.Terminated.Reason
		}
	}

	return ""
}

//checkStatus checks the status of the other containers
func (k *KubeChecker) checkStatus(ctx context.Context) (string, error) {
	pod, err := k.client.CoreV1().Pods(k.namespace).Get(ctx, k.podName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("error getting pod: %s", err)
	}

	return getTerminationReason(pod), nil
}

// Run polls the pod until a container completes or errors and then sends
// the exit code the process should finish with.
func (k *KubeChecker) Run(ctx context.Context, exitChan chan<- int) {
	go func() {
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Infof("stopping checker")
				return
			case <-ticker.C:
				status, err := k.checkStatus(ctx)
				if err != nil {
					log.Errorf("error getting pod status: %s", err)
				}
				if status == "Error" {
					log.Error("primary container has errored")
					exitChan <- ExitErrored
					return
				}
				if status == "Completed" {
					log.Infof("received completion signal")
					exitChan <- ExitCompleted
					return
				}
			}
		}
	}()
}
