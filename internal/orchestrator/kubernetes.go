package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "default"

// remoteKubeconfigCmd prints the remote user's kubeconfig.
const remoteKubeconfigCmd = "cat ${KUBECONFIG:-$HOME/.kube/config}"

// Kubernetes treats the Deployments of one namespace as services.
type Kubernetes struct {
	clientset kubernetes.Interface
	namespace string
	logger    *zap.Logger
}

// NewKubernetes wraps an existing clientset.
func NewKubernetes(clientset kubernetes.Interface, namespace string) *Kubernetes {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Kubernetes{
		clientset: clientset,
		namespace: namespace,
		logger:    zap.L().Named("kubernetes").With(zap.String("namespace", namespace)),
	}
}

// KubeconfigSource fetches a kubeconfig from the remote host.
type KubeconfigSource interface {
	Output(ctx context.Context, cmd string) ([]byte, error)
}

// RESTConfig loads a client config. A non-empty kubeconfig path is read
// locally; otherwise the remote user's kubeconfig is fetched through src.
// All API traffic is dialed through dialer.
func RESTConfig(ctx context.Context, kubeconfig string, src KubeconfigSource, dialer ContextDialer) (*rest.Config, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig}
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("k8s config %s: %w", kubeconfig, err)
		}
	} else {
		data, err := src.Output(ctx, remoteKubeconfigCmd)
		if err != nil {
			return nil, fmt.Errorf("read remote kubeconfig: %w", err)
		}
		cfg, err = clientcmd.RESTConfigFromKubeConfig(data)
		if err != nil {
			return nil, fmt.Errorf("parse remote kubeconfig: %w", err)
		}
	}
	if dialer != nil {
		cfg.Dial = dialer.DialContext
	}
	return cfg, nil
}

// NewKubernetesForConfig builds a clientset from cfg.
func NewKubernetesForConfig(cfg *rest.Config, namespace string) (*Kubernetes, error) {
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return NewKubernetes(clientset, namespace), nil
}

func (k *Kubernetes) BackendName() string {
	return "kubernetes"
}

// ListServices lists the namespace's Deployments.
func (k *Kubernetes) ListServices(ctx context.Context) ([]Service, error) {
	list, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments in %s: %w", k.namespace, err)
	}
	services := make([]Service, 0, len(list.Items))
	for _, d := range list.Items {
		desired := int32(1)
		if d.Spec.Replicas != nil {
			desired = *d.Spec.Replicas
		}
		services = append(services, Service{
			Name:      d.Name,
			ID:        string(d.UID),
			Replicas:  fmt.Sprintf("%d/%d", d.Status.ReadyReplicas, desired),
			CreatedAt: d.CreationTimestamp.Time,
		})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// StreamServiceLogs streams every container of every pod selected by the
// deployment. Lines from different containers are interleaved whole.
func (k *Kubernetes) StreamServiceLogs(ctx context.Context, service string, opts StreamOptions) (io.ReadCloser, error) {
	dep, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, &NoServiceError{Partial: service}
		}
		return nil, fmt.Errorf("get deployment %s: %w", service, err)
	}
	selector, err := metav1.LabelSelectorAsSelector(dep.Spec.Selector)
	if err != nil {
		return nil, fmt.Errorf("deployment %s selector: %w", service, err)
	}
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("list pods for %s: %w", service, err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("deployment %s has no pods", service)
	}

	logOpts := corev1.PodLogOptions{Follow: opts.Follow}
	if n := opts.TailLines(); n >= 0 {
		tail := int64(n)
		logOpts.TailLines = &tail
	}

	ctx, cancel := context.WithCancel(ctx)
	var streams []io.ReadCloser
	for _, pod := range pods.Items {
		for _, c := range pod.Spec.Containers {
			o := logOpts
			o.Container = c.Name
			rc, err := k.clientset.CoreV1().Pods(k.namespace).GetLogs(pod.Name, &o).Stream(ctx)
			if err != nil {
				cancel()
				for _, s := range streams {
					s.Close()
				}
				return nil, fmt.Errorf("logs %s/%s: %w", pod.Name, c.Name, err)
			}
			k.logger.Debug("streaming", zap.String("pod", pod.Name), zap.String("container", c.Name))
			streams = append(streams, rc)
		}
	}

	return mergeLines(cancel, streams), nil
}

// Close is a no-op: the clientset holds no resources of its own.
func (k *Kubernetes) Close() error {
	return nil
}

// mergeLines copies whole lines from every stream into one reader. A
// stream's final line without terminator is passed on as is; a newline is
// inserted only if another stream's line follows it.
func mergeLines(cancel context.CancelFunc, streams []io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	var (
		mu       sync.Mutex
		dangling bool // the last write did not end in '\n'
	)
	var g errgroup.Group
	for _, s := range streams {
		g.Go(func() error {
			defer s.Close()
			r := bufio.NewReader(s)
			for {
				line, err := r.ReadString('\n')
				if line != "" {
					mu.Lock()
					if dangling {
						line = "\n" + line
					}
					dangling = line[len(line)-1] != '\n'
					_, werr := io.WriteString(pw, line)
					mu.Unlock()
					if werr != nil {
						return werr
					}
				}
				if err != nil {
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
			}
		})
	}
	go func() {
		pw.CloseWithError(g.Wait())
	}()

	return &readCloser{
		Reader: pr,
		close: func() error {
			cancel()
			for _, s := range streams {
				s.Close()
			}
			pr.Close()
			return nil
		},
	}
}
