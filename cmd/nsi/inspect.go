package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nebari-dev/nebari-session-init/pkg/manifest"
)

var (
	inspectKubeconfig string
	inspectNamespace  string
	inspectOutput     string

	inspectCmd = &cobra.Command{
		Use:   "inspect <session-name>",
		Short: "Show the metadata of a running session",
		Long: `Look up a session's server manifest in the cluster and print the
metadata a client needs: image, URL, resource requests, LFS settings, and
hibernation state, together with the current pod phase.`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}
)

func init() {
	inspectCmd.Flags().StringVar(&inspectKubeconfig, "kubeconfig", "", "Path to a kubeconfig file (defaults to in-cluster config)")
	inspectCmd.Flags().StringVarP(&inspectNamespace, "namespace", "n", "default", "Namespace the session runs in")
	inspectCmd.Flags().StringVarP(&inspectOutput, "output", "o", "json", "Output format: json or yaml")
}

// sessionInfo is the JSON document printed by the inspect command.
type sessionInfo struct {
	Name         string                `json:"name" yaml:"name"`
	Image        string                `json:"image" yaml:"image"`
	URL          string                `json:"url,omitempty" yaml:"url,omitempty"`
	DefaultURL   string                `json:"default_url,omitempty" yaml:"default_url,omitempty"`
	PodPhase     string                `json:"pod_phase,omitempty" yaml:"pod_phase,omitempty"`
	LFSAutoFetch bool                  `json:"lfs_auto_fetch" yaml:"lfs_auto_fetch"`
	Disk         string                `json:"disk,omitempty" yaml:"disk,omitempty"`
	Resources    map[string]string     `json:"resources,omitempty" yaml:"resources,omitempty"`
	Annotations  map[string]string     `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Hibernation  *manifest.Hibernation `json:"hibernation,omitempty" yaml:"hibernation,omitempty"`
}

func buildRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		kubeconfigBytes, err := os.ReadFile(kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read kubeconfig: %w", err)
		}
		return clientcmd.RESTConfigFromKubeConfig(kubeconfigBytes)
	}
	return rest.InClusterConfig()
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tracer := otel.Tracer("nebari-session-init")
	ctx, span := tracer.Start(ctx, "cmd.inspect")
	defer span.End()

	sessionName := args[0]
	span.SetAttributes(
		attribute.String("session.name", sessionName),
		attribute.String("session.namespace", inspectNamespace),
	)

	restConfig, err := buildRestConfig(inspectKubeconfig)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to build Kubernetes client config", "error", err)
		return err
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create dynamic client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	m, err := manifest.Get(ctx, dynamicClient, inspectNamespace, sessionName)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to fetch session manifest", "error", err, "session", sessionName)
		return err
	}

	hibernation, err := m.Hibernation()
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to parse hibernation state", "error", err, "session", sessionName)
		return err
	}

	info := sessionInfo{
		Name:         m.Name(),
		Image:        m.Image(),
		URL:          m.URL(),
		DefaultURL:   m.DefaultURL(),
		LFSAutoFetch: m.LFSAutoFetch(),
		Disk:         m.DiskRequest(),
		Resources:    m.ResourceRequests(),
		Annotations:  m.Annotations(),
		Hibernation:  hibernation,
	}

	// The pod may not exist yet for a freshly created session; report what
	// we have rather than failing the whole command.
	phase, err := manifest.PodPhase(ctx, clientset, inspectNamespace, sessionName)
	if err != nil {
		slog.Warn("Failed to fetch session pod phase", "error", err, "session", sessionName)
	} else {
		info.PodPhase = string(phase)
	}

	return writeSessionInfo(os.Stdout, info, inspectOutput)
}

func writeSessionInfo(w io.Writer, info sessionInfo, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	case "yaml":
		data, err := yaml.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal session info: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
