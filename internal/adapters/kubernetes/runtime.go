// Package kubernetes runs sandboxes as single-shot batch Jobs. The
// per-invocation artifact directory is shared with the pod through
// hostPath mounts, so the engine and the sandbox must be co-located on
// the node.
package kubernetes

import (
	"context"
	"fmt"
	"io"
	"time"

	"faas-engine/internal/config"
	"faas-engine/internal/core/invocations"

	"github.com/rs/zerolog"
	batchv1 "k8s.io/api/batch/v1"
	apiv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	faasNamespace = "faas-engine"
	appName       = "faas-sandbox"
)

type Runtime struct {
	clientset *kubernetes.Clientset
	cfg       config.Config
	lg        zerolog.Logger
}

func New(cfg config.Config, lg zerolog.Logger) (*Runtime, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return &Runtime{
		clientset: clientset,
		cfg:       cfg,
		lg:        lg.With().Str("adapter", "kubernetes").Logger(),
	}, nil
}

// Spawn creates a Job that runs exactly one sandbox pod. The handle is
// the job name.
func (r *Runtime) Spawn(ctx context.Context, spec invocations.SandboxSpec) (string, error) {
	labels := map[string]string{"app": appName, "sandbox": spec.Name}

	volumes := make([]apiv1.Volume, 0, len(spec.Mounts))
	mounts := make([]apiv1.VolumeMount, 0, len(spec.Mounts))
	hostPathFile := apiv1.HostPathFile
	for i, m := range spec.Mounts {
		name := fmt.Sprintf("artifact-%d", i)
		volumes = append(volumes, apiv1.Volume{
			Name: name,
			VolumeSource: apiv1.VolumeSource{
				HostPath: &apiv1.HostPathVolumeSource{Path: m.HostPath, Type: &hostPathFile},
			},
		})
		mounts = append(mounts, apiv1.VolumeMount{
			Name:      name,
			MountPath: m.SandboxPath,
			ReadOnly:  m.ReadOnly,
		})
	}

	env := make([]apiv1.EnvVar, 0, len(spec.Env))
	for _, e := range spec.Env {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				env = append(env, apiv1.EnvVar{Name: e[:i], Value: e[i+1:]})
				break
			}
		}
	}

	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: faasNamespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: apiv1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: apiv1.PodSpec{
					RestartPolicy: apiv1.RestartPolicyNever,
					Containers: []apiv1.Container{{
						Name:         "sandbox",
						Image:        spec.Image,
						Env:          env,
						VolumeMounts: mounts,
						Resources: apiv1.ResourceRequirements{
							Limits: apiv1.ResourceList{
								apiv1.ResourceMemory: resource.MustParse(fmt.Sprintf("%dMi", spec.MemoryLimitMB)),
							},
						},
					}},
					Volumes: volumes,
				},
			},
		},
	}

	created, err := r.clientset.BatchV1().Jobs(faasNamespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("create sandbox job: %w", err)
	}
	r.lg.Debug().Str("job", created.Name).Str("image", spec.Image).Msg("sandbox job created")
	return created.Name, nil
}

// Wait polls the sandbox pod until it terminates or the timeout
// elapses.
func (r *Runtime) Wait(ctx context.Context, handle string, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return -1, invocations.ErrWaitTimeout
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-tick.C:
			pod, err := r.sandboxPod(ctx, handle)
			if err != nil || pod == nil {
				continue
			}
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.State.Terminated != nil {
					return int(cs.State.Terminated.ExitCode), nil
				}
			}
		}
	}
}

// Kill deletes the sandbox pod with no grace period.
func (r *Runtime) Kill(ctx context.Context, handle string) error {
	grace := int64(0)
	err := r.clientset.CoreV1().Pods(faasNamespace).DeleteCollection(ctx,
		metav1.DeleteOptions{GracePeriodSeconds: &grace},
		metav1.ListOptions{LabelSelector: "job-name=" + handle},
	)
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("kill sandbox pod: %w", err)
	}
	return nil
}

// Logs returns the pod log. Kubernetes interleaves the streams, so
// everything lands in stdout.
func (r *Runtime) Logs(ctx context.Context, handle string) (string, string, error) {
	pod, err := r.sandboxPod(ctx, handle)
	if err != nil {
		return "", "", err
	}
	if pod == nil {
		return "", "", nil
	}
	stream, err := r.clientset.CoreV1().Pods(faasNamespace).
		GetLogs(pod.Name, &apiv1.PodLogOptions{}).Stream(ctx)
	if err != nil {
		return "", "", fmt.Errorf("read sandbox logs: %w", err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", "", err
	}
	return string(data), "", nil
}

// Remove deletes the job and its pods.
func (r *Runtime) Remove(ctx context.Context, handle string) error {
	propagation := metav1.DeletePropagationBackground
	err := r.clientset.BatchV1().Jobs(faasNamespace).Delete(ctx, handle, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("remove sandbox job: %w", err)
	}
	return nil
}

func (r *Runtime) sandboxPod(ctx context.Context, handle string) (*apiv1.Pod, error) {
	pods, err := r.clientset.CoreV1().Pods(faasNamespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + handle,
	})
	if err != nil {
		return nil, fmt.Errorf("list sandbox pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	return &pods.Items[0], nil
}
