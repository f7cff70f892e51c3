package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"memdiag/pkg/client"
)

var (
	address    = flag.String("addr", "http://localhost:8085", "Diagnostics service base URL")
	prefix     = flag.String("prefix", "/memory", "API route prefix")
	token      = flag.String("token", "", "Auth token for optimize/analyze")
	timeout    = flag.Duration("timeout", 30*time.Second, "Request timeout")
	maxRetries = flag.Int("retries", 3, "Maximum number of retries")
	verbose    = flag.Bool("v", false, "Verbose output")
	jsonOutput = flag.Bool("json", false, "Output in JSON format")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	config := client.DefaultConfig()
	config.BaseURL = *address
	config.Prefix = *prefix
	config.AuthToken = *token
	config.RequestTimeout = *timeout
	config.MaxRetries = *maxRetries
	if envToken := os.Getenv("MEMDIAG_TOKEN"); *token == "" && envToken != "" {
		config.AuthToken = envToken
	}

	diagClient, err := client.NewClient(config)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer diagClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command := args[0]
	switch command {
	case "status":
		handleStatus(ctx, diagClient)
	case "summary":
		handleSummary(ctx, diagClient)
	case "issues":
		handleIssues(ctx, diagClient)
	case "history":
		handleHistory(ctx, diagClient, args[1:])
	case "optimize":
		handleOptimize(ctx, diagClient)
	case "analyze":
		handleAnalyze(ctx, diagClient)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleStatus(ctx context.Context, diagClient *client.Client) {
	start := time.Now()
	status, err := diagClient.Status(ctx)
	duration := time.Since(start)
	if err != nil {
		fail(err, duration)
	}

	if *jsonOutput {
		outputJSON(status)
		return
	}
	fmt.Printf("Initialized: %v\n", status.Initialized)
	for name, state := range status.Components {
		fmt.Printf("  %-10s %s\n", name, state)
	}
	if *verbose {
		fmt.Printf("(took %v)\n", duration)
	}
}

func handleSummary(ctx context.Context, diagClient *client.Client) {
	start := time.Now()
	summary, err := diagClient.Summary(ctx)
	duration := time.Since(start)
	if err != nil {
		fail(err, duration)
	}

	if *jsonOutput {
		outputJSON(summary)
		return
	}
	fmt.Printf("Process: %.1f MB (%.1f%% of system)\n",
		summary.Basic.ProcessMB(), summary.Basic.ProcessPercent)
	fmt.Printf("System:  %.1f%% used, %.1f MB available\n",
		summary.Basic.SystemPercent, float64(summary.Basic.AvailableBytes)/(1024*1024))
	if *verbose {
		fmt.Printf("(as of %v, took %v)\n", summary.Timestamp.Format(time.RFC3339), duration)
	}
}

func handleIssues(ctx context.Context, diagClient *client.Client) {
	start := time.Now()
	report, err := diagClient.Issues(ctx)
	duration := time.Since(start)
	if err != nil {
		fail(err, duration)
	}

	if *jsonOutput {
		outputJSON(report)
		return
	}
	if !report.HasIssues {
		fmt.Println("No issues detected")
		return
	}
	for i, issue := range report.Issues {
		fmt.Printf("%d) [%s] %s: %s\n", i+1, issue.Severity, issue.Type, issue.Description)
	}
	if *verbose {
		fmt.Printf("(%d issues, took %v)\n", len(report.Issues), duration)
	}
}

func handleHistory(ctx context.Context, diagClient *client.Client, args []string) {
	minutes := 5
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("Invalid minutes: %v\n", err)
			os.Exit(1)
		}
		minutes = parsed
	}

	start := time.Now()
	resp, err := diagClient.History(ctx, minutes)
	duration := time.Since(start)
	if err != nil {
		fail(err, duration)
	}

	if *jsonOutput {
		outputJSON(resp)
		return
	}
	s := resp.Summary
	fmt.Printf("Window: %d minutes, %d samples\n", resp.Minutes, s.Samples)
	fmt.Printf("Memory: min %.1f MB, max %.1f MB, avg %.1f MB, median %.1f MB\n",
		s.MinMB, s.MaxMB, s.AvgMB, s.MedianMB)
	fmt.Printf("Growth: %.1f MB (%.1f%%)\n", s.NetGrowthMB, s.GrowthPercent)
	fmt.Printf("CPU:    avg %.1f%%, peak %.1f%%\n", s.AvgCPUPercent, s.PeakCPUPercent)
	if *verbose {
		for i, sample := range resp.History {
			fmt.Printf("  %d) %s  %.1f MB\n", i+1,
				sample.Timestamp.Format(time.RFC3339), sample.ProcessMB())
		}
		fmt.Printf("(took %v)\n", duration)
	}
}

func handleOptimize(ctx context.Context, diagClient *client.Client) {
	start := time.Now()
	result, err := diagClient.Optimize(ctx)
	duration := time.Since(start)
	if err != nil {
		fail(err, duration)
	}

	if *jsonOutput {
		outputJSON(result)
		return
	}
	fmt.Printf("Before: %.1f MB, After: %.1f MB, Freed: %.1f MB\n",
		result.BeforeMB, result.AfterMB, result.FreedMB())
	if *verbose {
		fmt.Printf("(took %v)\n", duration)
	}
}

func handleAnalyze(ctx context.Context, diagClient *client.Client) {
	start := time.Now()
	result, err := diagClient.Analyze(ctx)
	duration := time.Since(start)
	if err != nil {
		fail(err, duration)
	}

	outputJSON(result)
	if *verbose && !*jsonOutput {
		fmt.Printf("(took %v)\n", duration)
	}
}

func fail(err error, duration time.Duration) {
	if *jsonOutput {
		outputJSON(map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		})
	} else {
		fmt.Printf("Error: %v\n", err)
	}
	os.Exit(1)
}

func outputJSON(data interface{}) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Printf("Error formatting JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

func printUsage() {
	fmt.Printf(`memdiagctl - Memory Diagnostics CLI

Usage:
  %s [options] <command> [args...]

Options:
  -addr string
        Diagnostics service base URL (default "http://localhost:8085")
  -prefix string
        API route prefix (default "/memory")
  -token string
        Auth token for optimize/analyze (or MEMDIAG_TOKEN env var)
  -timeout duration
        Request timeout (default "30s")
  -retries int
        Maximum number of retries (default "3")
  -v    Verbose output
  -json Output in JSON format

Commands:
  status
        Show component states

  summary
        Show the current memory summary

  issues
        List detected memory issues

  history [minutes]
        Show the recent sample window (default 5 minutes)

  optimize
        Trigger an optimization pass (requires token)

  analyze
        Run an immediate analysis pass (requires token)

Examples:
  %s status
  %s -json summary
  %s history 15
  %s -token secret optimize
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
