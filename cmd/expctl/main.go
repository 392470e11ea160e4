package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagegate/stagegate/internal/api"
)

var (
	// Global flags
	serverURL string
	timeout   time.Duration

	// Subcommand flags
	configFile string
	userID     string
	attrsJSON  string
	variantA   string
	variantB   string
	metricName string
	reason     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "expctl",
		Short: "Operator CLI for the experimentation and rollout service",
		Long: `expctl manages experiments and canary deployments over the service's
HTTP API: lifecycle transitions, assignments, metrics, statistical
analysis and canary overrides.`,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Service base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(analysisCmd())
	rootCmd.AddCommand(impactCmd())
	rootCmd.AddCommand(canaryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment from a JSON config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
			var cfg api.ExperimentConfig
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			var created api.ExperimentConfig
			if err := call(http.MethodPost, "/v1/experiments", &cfg, &created); err != nil {
				return err
			}
			fmt.Printf("Created experiment %s (status: %s)\n", created.ExperimentID, created.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Experiment config file (JSON)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <experiment-id>",
		Short: "Start a draft experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(http.MethodPost, "/v1/experiments/"+args[0]+"/start", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Experiment %s is running\n", args[0])
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <experiment-id>",
		Short: "Stop a running experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(http.MethodPost, "/v1/experiments/"+args[0]+"/stop", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Experiment %s stopped\n", args[0])
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <experiment-id>",
		Short: "Show experiment config and lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg api.ExperimentConfig
			if err := call(http.MethodGet, "/v1/experiments/"+args[0], nil, &cfg); err != nil {
				return err
			}
			fmt.Printf("Experiment: %s (%s)\n", cfg.ExperimentID, cfg.Name)
			fmt.Printf("Status: %s\n", cfg.Status)
			fmt.Printf("Primary metric: %s\n", cfg.PrimaryMetric)
			fmt.Printf("Traffic split:\n")
			for variant, pct := range cfg.TrafficSplit {
				fmt.Printf("  %-16s %6.2f%%\n", variant, pct)
			}
			return nil
		},
	}
}

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <experiment-id>",
		Short: "Resolve the variant assignment for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"experiment_id": args[0],
				"user_id":       userID,
			}
			if attrsJSON != "" {
				var attrs map[string]interface{}
				if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
					return fmt.Errorf("invalid attributes: %w", err)
				}
				req["attributes"] = attrs
			}
			var resp struct {
				Variant string `json:"variant"`
			}
			if err := call(http.MethodPost, "/v1/assign", req, &resp); err != nil {
				return err
			}
			fmt.Printf("%s\n", resp.Variant)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id")
	cmd.Flags().StringVar(&attrsJSON, "attributes", "", "User attributes (JSON object)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <experiment-id>",
		Short: "Show per-variant aggregates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if err := call(http.MethodGet, "/v1/experiments/"+args[0]+"/metrics", nil, &raw); err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func analysisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analysis <experiment-id>",
		Short: "Run a statistical comparison of two variants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/experiments/%s/analysis?a=%s&b=%s", args[0], variantA, variantB)
			if metricName != "" {
				path += "&metric=" + metricName
			}
			var analysis api.StatisticalAnalysis
			if err := call(http.MethodGet, path, nil, &analysis); err != nil {
				return err
			}
			fmt.Printf("Test: %s\n", analysis.PrimaryTest.Name)
			fmt.Printf("Samples: %s=%d %s=%d\n", analysis.VariantA, analysis.SampleSizeA, analysis.VariantB, analysis.SampleSizeB)
			fmt.Printf("Means: %.4f vs %.4f\n", analysis.MeanA, analysis.MeanB)
			if analysis.PrimaryTest.PValue != nil {
				fmt.Printf("p-value: %.6f\n", *analysis.PrimaryTest.PValue)
			} else {
				fmt.Printf("p-value: unavailable (inconclusive)\n")
			}
			fmt.Printf("Effect size: %.4f\n", analysis.PrimaryTest.EffectSize)
			if analysis.Underpowered {
				fmt.Printf("WARNING: underpowered, below minimum sample size\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&variantA, "a", "", "First variant")
	cmd.Flags().StringVar(&variantB, "b", "", "Second variant")
	cmd.Flags().StringVar(&metricName, "metric", "", "Metric name (defaults to primary)")
	cmd.MarkFlagRequired("a")
	cmd.MarkFlagRequired("b")
	return cmd
}

func impactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "impact <experiment-id>",
		Short: "Show the business impact report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if err := call(http.MethodGet, "/v1/experiments/"+args[0]+"/impact", nil, &raw); err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func canaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Manage canary deployments",
	}
	cmd.AddCommand(canaryStartCmd())
	cmd.AddCommand(canaryStatusCmd())
	cmd.AddCommand(canaryPromoteCmd())
	cmd.AddCommand(canaryRollbackCmd())
	return cmd
}

func canaryStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a canary deployment from a JSON config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
			var cfg api.CanaryConfig
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			var dep api.CanaryDeployment
			if err := call(http.MethodPost, "/v1/canary", &cfg, &dep); err != nil {
				return err
			}
			stage := dep.Stage()
			fmt.Printf("Deployment %s started for experiment %s\n", dep.DeploymentID, dep.ExperimentID)
			fmt.Printf("Stage: %s (%.0f%% traffic)\n", stage.Name, stage.TrafficPercent)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Canary config file (JSON)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func canaryStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show deployment stage, status and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dep api.CanaryDeployment
			if err := call(http.MethodGet, "/v1/canary/"+args[0], nil, &dep); err != nil {
				return err
			}
			stage := dep.Stage()
			fmt.Printf("Deployment: %s (experiment %s)\n", dep.DeploymentID, dep.ExperimentID)
			fmt.Printf("Status: %s\n", dep.Status)
			fmt.Printf("Stage: %d/%d %s (%.0f%%), since %s\n",
				dep.CurrentStage+1, len(dep.Config.Stages), stage.Name, stage.TrafficPercent,
				dep.StageStartedAt.Format(time.RFC3339))
			if len(dep.StageHistory) > 0 {
				fmt.Printf("History:\n")
				for _, tr := range dep.StageHistory {
					kind := "auto"
					if tr.Manual {
						kind = "manual"
					}
					fmt.Printf("  %s  stage %d -> %d  %s  (%s) %s\n",
						tr.Timestamp.Format(time.RFC3339), tr.FromStage, tr.ToStage, tr.ToStatus, kind, tr.Reason)
				}
			}
			return nil
		},
	}
}

func canaryPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <deployment-id>",
		Short: "Force-promote the deployment to its next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dep api.CanaryDeployment
			body := map[string]string{"reason": reason}
			if err := call(http.MethodPost, "/v1/canary/"+args[0]+"/promote", body, &dep); err != nil {
				return err
			}
			fmt.Printf("Deployment %s now at stage %d (%s)\n", dep.DeploymentID, dep.CurrentStage, dep.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the stage history")
	return cmd
}

func canaryRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <deployment-id>",
		Short: "Roll the deployment back to the pre-canary split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("WARNING: This restores the pre-canary traffic split. Confirm? (yes/no): ")
			var confirm string
			fmt.Scanln(&confirm)
			if confirm != "yes" {
				return fmt.Errorf("rollback aborted")
			}
			var dep api.CanaryDeployment
			body := map[string]string{"reason": reason}
			if err := call(http.MethodPost, "/v1/canary/"+args[0]+"/rollback", body, &dep); err != nil {
				return err
			}
			fmt.Printf("Deployment %s rolled back\n", dep.DeploymentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the stage history")
	return cmd
}

// call performs one API request, decoding the JSON response into out
// when out is non-nil.
func call(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}
