package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
)

// revisionAnnotation is set by the deployment controller on each ReplicaSet.
const revisionAnnotation = "deployment.kubernetes.io/revision"

// fieldOwner identifies our server-side apply operations.
const fieldOwner = client.FieldOwner("deployd")

// =============================================================================
// Client Interface
// =============================================================================

// Client is the cluster surface the canary strategy needs. The production
// implementation talks to the Kubernetes API; tests substitute a fake.
type Client interface {
	Reachable(ctx context.Context, namespace string) error
	Apply(ctx context.Context, namespace string, docs []Manifest) error
	RolloutReady(ctx context.Context, namespace, name string) (bool, error)
	RolloutUndo(ctx context.Context, namespace, name string) error
	SetCanaryWeight(ctx context.Context, namespace, ingress string, weight int) error
	CanaryReady(ctx context.Context, namespace, name string) (bool, error)
	DeleteCanary(ctx context.Context, namespace, name string) error
}

// =============================================================================
// Kubernetes Client
// =============================================================================

// KubeClient implements Client against a real cluster.
type KubeClient struct {
	c client.Client
}

// NewKubeClient builds a client from the ambient kubeconfig or in-cluster
// configuration.
func NewKubeClient() (*KubeClient, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	c, err := client.New(cfg, client.Options{Scheme: scheme.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create cluster client: %w", err)
	}
	return &KubeClient{c: c}, nil
}

// Reachable verifies the API server responds and the namespace exists.
func (k *KubeClient) Reachable(ctx context.Context, namespace string) error {
	var ns corev1.Namespace
	if err := k.c.Get(ctx, types.NamespacedName{Name: namespace}, &ns); err != nil {
		return fmt.Errorf("namespace %s: %w", namespace, err)
	}
	return nil
}

// Apply server-side-applies every manifest into the namespace.
func (k *KubeClient) Apply(ctx context.Context, namespace string, docs []Manifest) error {
	for _, doc := range docs {
		obj, err := toUnstructured(doc)
		if err != nil {
			return err
		}
		if obj.GetNamespace() == "" {
			obj.SetNamespace(namespace)
		}
		if err := k.c.Patch(ctx, obj, client.Apply, client.ForceOwnership, fieldOwner); err != nil {
			return fmt.Errorf("apply %s/%s: %w", obj.GetKind(), obj.GetName(), err)
		}
	}
	return nil
}

// RolloutReady reports whether the named deployment has converged on its
// latest revision.
func (k *KubeClient) RolloutReady(ctx context.Context, namespace, name string) (bool, error) {
	var dep appsv1.Deployment
	if err := k.c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &dep); err != nil {
		return false, fmt.Errorf("get deployment %s: %w", name, err)
	}

	replicas := int32(1)
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}

	ready := dep.Generation <= dep.Status.ObservedGeneration &&
		dep.Status.UpdatedReplicas == replicas &&
		dep.Status.AvailableReplicas == replicas
	return ready, nil
}

// RolloutUndo reverts the named deployment to its previous revision, the way
// kubectl does: find the second-newest owned ReplicaSet and restore its pod
// template.
func (k *KubeClient) RolloutUndo(ctx context.Context, namespace, name string) error {
	var dep appsv1.Deployment
	if err := k.c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &dep); err != nil {
		return fmt.Errorf("get deployment %s: %w", name, err)
	}

	var rsList appsv1.ReplicaSetList
	if err := k.c.List(ctx, &rsList, client.InNamespace(namespace)); err != nil {
		return fmt.Errorf("list replicasets: %w", err)
	}

	var current, previous *appsv1.ReplicaSet
	var currentRev, previousRev int64
	for i := range rsList.Items {
		rs := &rsList.Items[i]
		if !metav1.IsControlledBy(rs, &dep) {
			continue
		}
		rev, err := strconv.ParseInt(rs.Annotations[revisionAnnotation], 10, 64)
		if err != nil {
			continue
		}
		switch {
		case current == nil || rev > currentRev:
			previous, previousRev = current, currentRev
			current, currentRev = rs, rev
		case previous == nil || rev > previousRev:
			previous, previousRev = rs, rev
		}
	}
	if previous == nil {
		return fmt.Errorf("deployment %s has no rollout history to undo", name)
	}

	template := previous.Spec.Template.DeepCopy()
	delete(template.Labels, "pod-template-hash")
	dep.Spec.Template = *template

	if err := k.c.Update(ctx, &dep); err != nil {
		return fmt.Errorf("revert deployment %s to revision %d: %w", name, previousRev, err)
	}
	return nil
}

// SetCanaryWeight routes the given traffic percentage to the canary ingress.
// Weight 0 disables the canary route entirely.
func (k *KubeClient) SetCanaryWeight(ctx context.Context, namespace, ingress string, weight int) error {
	var ing networkingv1.Ingress
	if err := k.c.Get(ctx, types.NamespacedName{Namespace: namespace, Name: ingress}, &ing); err != nil {
		return fmt.Errorf("get ingress %s: %w", ingress, err)
	}

	if ing.Annotations == nil {
		ing.Annotations = map[string]string{}
	}
	if weight <= 0 {
		ing.Annotations["nginx.ingress.kubernetes.io/canary"] = "false"
		delete(ing.Annotations, "nginx.ingress.kubernetes.io/canary-weight")
	} else {
		ing.Annotations["nginx.ingress.kubernetes.io/canary"] = "true"
		ing.Annotations["nginx.ingress.kubernetes.io/canary-weight"] = strconv.Itoa(weight)
	}

	if err := k.c.Update(ctx, &ing); err != nil {
		return fmt.Errorf("update ingress %s: %w", ingress, err)
	}
	return nil
}

// CanaryReady reports whether the canary workload has converged.
func (k *KubeClient) CanaryReady(ctx context.Context, namespace, name string) (bool, error) {
	return k.RolloutReady(ctx, namespace, canaryName(name))
}

// DeleteCanary removes the canary deployment and service, tolerating their
// absence.
func (k *KubeClient) DeleteCanary(ctx context.Context, namespace, name string) error {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: canaryName(name)},
	}
	if err := k.c.Delete(ctx, dep); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete canary deployment: %w", err)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: canaryName(name)},
	}
	if err := k.c.Delete(ctx, svc); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete canary service: %w", err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func canaryName(name string) string {
	return name + "-canary"
}

// toUnstructured converts a decoded manifest to an API object. The JSON
// round-trip normalizes YAML scalar types to what the API machinery accepts.
func toUnstructured(doc Manifest) (*unstructured.Unstructured, error) {
	raw, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("normalize manifest: %w", err)
	}
	return &unstructured.Unstructured{Object: obj}, nil
}
