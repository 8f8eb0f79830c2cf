package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/metrics"
	"github.com/mikeboe/deep-research/pkg/research"
)

var (
	topic      string
	depth      int
	configFile string
	outDir     string
)

func main() {
	// Load .env file; it's okay if it doesn't exist as long as env vars are set
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "researcher",
		Short: "A terminal-based deep research agent",
		Long:  `researcher investigates a topic over several search, extract and analyze rounds and writes a synthesized report.`,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Optional YAML/TOML/JSON config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Research a topic and write the report",
		RunE:  runResearch,
	}
	runCmd.Flags().StringVarP(&topic, "topic", "t", "", "The research topic")
	runCmd.Flags().IntVarP(&depth, "depth", "d", 0, "Maximum research rounds (default from RESEARCH_MAX_DEPTH)")
	runCmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory for the report and sources files")

	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load(), nil
}

func runResearch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}

	if !cmd.Flags().Changed("topic") {
		// Interactive Mode
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Enter research topic: ")
		input, _ := reader.ReadString('\n')
		topic = strings.TrimSpace(input)
	}
	if strings.TrimSpace(topic) == "" {
		return research.ErrEmptyTopic
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := clients.NewResearchEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("error initializing engine: %w", err)
	}

	events := make(chan research.Event, 32)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			printEvent(ev)
		}
	}()

	rec := &research.Recorder{}
	emitter := metrics.Emitter{Next: research.MultiEmitter{research.ChannelEmitter(events), rec}}
	res, err := engine.Run(ctx, topic, depth, emitter)
	close(events)
	<-printed
	if err != nil {
		return err
	}

	if err := writeOutputs(outDir, res, rec.Events(), time.Now()); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("research failed: %s", res.Error)
	}
	return nil
}

func printEvent(ev research.Event) {
	progress := fmt.Sprintf("[%d/%d]", ev.CompletedSteps, ev.TotalSteps)
	switch ev.Type {
	case research.EventInit:
		fmt.Printf("%s Researching %q (up to %d rounds)\n", progress, ev.Topic, ev.MaxDepth)
	case research.EventDepth:
		fmt.Printf("%s Round %d of %d\n", progress, ev.Depth, ev.MaxDepth)
	case research.EventActivity:
		fmt.Printf("%s %-9s %-8s %s\n", progress, ev.Activity, ev.Status, ev.Message)
	case research.EventSource:
		fmt.Printf("%s source    %s\n", progress, ev.Source.URL)
	case research.EventFinish:
		fmt.Printf("%s Research finished\n", progress)
	}
}

// writeOutputs saves the report as report_<ts>.md, the collected sources as
// sources.json and the progress events as events.json.
func writeOutputs(dir string, res *research.Result, events []research.Event, now time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if res.Success {
		name := filepath.Join(dir, fmt.Sprintf("report_%s.md", now.Format("20060102_150405")))
		report := fmt.Sprintf("# %s\n\n%s\n", res.Topic, res.Synthesis)
		if err := os.WriteFile(name, []byte(report), 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Printf("Report written to %s\n", name)
	}

	sources, err := json.MarshalIndent(res.Response(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}
	name := filepath.Join(dir, "sources.json")
	if err := os.WriteFile(name, sources, 0o644); err != nil {
		return fmt.Errorf("failed to write sources: %w", err)
	}
	fmt.Printf("Sources written to %s\n", name)

	if events == nil {
		events = []research.Event{}
	}
	trace, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "events.json"), trace, 0o644); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
