package jobs

import (
	"context"
	"fmt"
	"log/slog"

	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/me/etlorch/pkg/model"
)

// NewClientset connects to the cluster. An empty kubeconfig path uses the
// in-cluster service account.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load kube config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return cs, nil
}

// KubeRuntime implements Runtime with the batch/v1 Jobs API in one namespace.
type KubeRuntime struct {
	client    kubernetes.Interface
	namespace string
	logger    *slog.Logger
}

func NewKubeRuntime(client kubernetes.Interface, namespace string, logger *slog.Logger) *KubeRuntime {
	return &KubeRuntime{
		client:    client,
		namespace: namespace,
		logger:    logger.With("component", "jobs"),
	}
}

func (k *KubeRuntime) List(ctx context.Context, sel Selector) ([]Job, error) {
	list, err := k.client.BatchV1().Jobs(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: sel.String()})
	if err != nil {
		return nil, model.NewError(model.KindConnectivity, "list jobs", err)
	}
	out := make([]Job, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, FromKube(&list.Items[i]))
	}
	return out, nil
}

func (k *KubeRuntime) Create(ctx context.Context, job *batchv1.Job) (Job, error) {
	created, err := k.client.BatchV1().Jobs(k.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return Job{}, model.NewError(model.KindSubmission, "create job "+job.Name, err)
	}
	k.logger.Debug("job created", "job", created.Name)
	return FromKube(created), nil
}

func (k *KubeRuntime) Delete(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := k.client.BatchV1().Jobs(k.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return model.NewError(model.KindConnectivity, "delete job "+name, err)
	}
	return nil
}

func (k *KubeRuntime) Watch(ctx context.Context, sel Selector) (<-chan struct{}, error) {
	w, err := k.client.BatchV1().Jobs(k.namespace).Watch(ctx, metav1.ListOptions{LabelSelector: sel.String()})
	if err != nil {
		return nil, model.NewError(model.KindConnectivity, "watch jobs", err)
	}
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-w.ResultChan():
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch, nil
}
