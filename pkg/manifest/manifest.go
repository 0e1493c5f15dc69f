// Package manifest extracts display metadata from a deployed session's
// manifest (the Amalthea JupyterServer custom resource): image, resource
// requests, hibernation state and the session URL.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

const tracerName = "nebari-session-init"

// SessionGVR identifies the JupyterServer custom resource.
var SessionGVR = schema.GroupVersionResource{
	Group:    "amalthea.dev",
	Version:  "v1alpha1",
	Resource: "jupyterservers",
}

// lfsAutoFetchPatchPath is where the session operator patches the git init
// container; the LFS auto-fetch flag travels as an env var in that patch.
const lfsAutoFetchPatchPath = "/statefulset/spec/template/spec/initContainers/-"

// SessionManifest wraps a deployed session manifest and exposes the fields
// the dashboard and API need.
type SessionManifest struct {
	obj map[string]interface{}
}

// New wraps raw manifest content.
func New(obj map[string]interface{}) *SessionManifest {
	return &SessionManifest{obj: obj}
}

// FromUnstructured wraps an unstructured object retrieved from the cluster.
func FromUnstructured(u *unstructured.Unstructured) *SessionManifest {
	return New(u.Object)
}

// Get fetches a session manifest from the cluster.
func Get(ctx context.Context, client dynamic.Interface, namespace, name string) (*SessionManifest, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "manifest.Get")
	defer span.End()

	span.SetAttributes(
		attribute.String("session.namespace", namespace),
		attribute.String("session.name", name),
	)

	u, err := client.Resource(SessionGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get session %s/%s: %w", namespace, name, err)
	}

	return FromUnstructured(u), nil
}

// PodPhase reports the phase of the session's pod. Amalthea runs sessions
// as single-replica statefulsets, so the pod is always <name>-0.
func PodPhase(ctx context.Context, client kubernetes.Interface, namespace, name string) (corev1.PodPhase, error) {
	pod, err := client.CoreV1().Pods(namespace).Get(ctx, name+"-0", metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get session pod %s/%s-0: %w", namespace, name, err)
	}
	return pod.Status.Phase, nil
}

// Name returns the session name.
func (m *SessionManifest) Name() string {
	name, _, _ := unstructured.NestedString(m.obj, "metadata", "name")
	return name
}

// Image returns the session's container image.
func (m *SessionManifest) Image() string {
	image, _, _ := unstructured.NestedString(m.obj, "spec", "jupyterServer", "image")
	return image
}

// DefaultURL returns the server's default URL path.
func (m *SessionManifest) DefaultURL() string {
	u, _, _ := unstructured.NestedString(m.obj, "spec", "jupyterServer", "defaultUrl")
	return u
}

// DiskRequest returns the requested workspace volume size in canonical
// quantity form, or the raw value when it cannot be parsed.
func (m *SessionManifest) DiskRequest() string {
	size, found, _ := unstructured.NestedFieldNoCopy(m.obj, "spec", "storage", "size")
	if !found {
		return ""
	}
	return quantityString(size)
}

// resourceRequestNames maps Kubernetes resource names to the display labels
// the dashboard uses.
var resourceRequestNames = map[string]string{
	"cpu":               "cpu_request",
	"memory":            "mem_request",
	"nvidia.com/gpu":    "gpu_request",
	"ephemeral-storage": "ephemeral_storage",
}

// ResourceRequests returns the session's resource requests keyed by display
// label. Only requests present in the manifest appear.
func (m *SessionManifest) ResourceRequests() map[string]string {
	requests, found, _ := unstructured.NestedMap(m.obj, "spec", "jupyterServer", "resources", "requests")
	if !found {
		return nil
	}

	out := make(map[string]string)
	for resName, label := range resourceRequestNames {
		if v, ok := requests[resName]; ok {
			out[label] = quantityString(v)
		}
	}
	return out
}

// quantityString normalizes a manifest resource value. Kubernetes allows
// both strings and bare numbers here.
func quantityString(v interface{}) string {
	raw := fmt.Sprintf("%v", v)
	if q, err := resource.ParseQuantity(raw); err == nil {
		return q.String()
	}
	return raw
}

// LFSAutoFetch reports whether the git init container was configured to
// download LFS content, recovered from the operator patches.
func (m *SessionManifest) LFSAutoFetch() bool {
	patchGroups, found, _ := unstructured.NestedSlice(m.obj, "spec", "patches")
	if !found {
		return false
	}

	for _, group := range patchGroups {
		groupMap, ok := group.(map[string]interface{})
		if !ok {
			continue
		}
		patches, ok := groupMap["patch"].([]interface{})
		if !ok {
			continue
		}
		for _, p := range patches {
			patch, ok := p.(map[string]interface{})
			if !ok || patch["path"] != lfsAutoFetchPatchPath {
				continue
			}
			value, ok := patch["value"].(map[string]interface{})
			if !ok {
				continue
			}
			envs, ok := value["env"].([]interface{})
			if !ok {
				continue
			}
			for _, e := range envs {
				env, ok := e.(map[string]interface{})
				if !ok {
					continue
				}
				if env["name"] == "GIT_CLONE_LFS_AUTO_FETCH" {
					return env["value"] == "1"
				}
			}
		}
	}
	return false
}

// Annotations returns the manifest annotations.
func (m *SessionManifest) Annotations() map[string]string {
	annotations, _, _ := unstructured.NestedStringMap(m.obj, "metadata", "annotations")
	return annotations
}

// Labels returns the manifest labels.
func (m *SessionManifest) Labels() map[string]string {
	labels, _, _ := unstructured.NestedStringMap(m.obj, "metadata", "labels")
	return labels
}

// Hibernation is the state recorded when a session was hibernated.
type Hibernation struct {
	Dirty  bool   `json:"dirty"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// Hibernation returns the parsed hibernation annotation, or nil when the
// session was never hibernated.
func (m *SessionManifest) Hibernation() (*Hibernation, error) {
	raw, ok := m.Annotations()["hibernation"]
	if !ok || raw == "" {
		return nil, nil
	}

	var h Hibernation
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("failed to parse hibernation annotation: %w", err)
	}
	return &h, nil
}

// URL returns the full session URL, including the auth token query
// parameter when one is set.
func (m *SessionManifest) URL() string {
	host, _, _ := unstructured.NestedString(m.obj, "spec", "routing", "host")
	path, _, _ := unstructured.NestedString(m.obj, "spec", "routing", "path")
	token, _, _ := unstructured.NestedString(m.obj, "spec", "auth", "token")

	url := fmt.Sprintf("https://%s%s", host, strings.TrimRight(path, "/"))
	if token != "" {
		url += "?token=" + token
	}
	return url
}
