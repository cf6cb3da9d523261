package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/flowagent/internal/daemon"
	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
	"github.com/eliteGoblin/focusd/flowagent/internal/ui"
	"github.com/eliteGoblin/focusd/flowagent/internal/usecase"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the background controller",
	Long: `Spawns the controller detached from the terminal and waits until it
registers. Does nothing when a live controller is already registered.`,
	RunE: withClient(runStart),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show controller and session status",
	RunE:  withClient(runStatus),
}

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Start or stop a Deep Work session",
}

var focusStartCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Start a focus session",
	Args:  cobra.MinimumNArgs(1),
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		task := strings.Join(args, " ")
		delta, err := c.StartSession(ctx, task, focusDuration)
		if err != nil {
			return err
		}
		if note := offlineStartNote(delta, focusDuration); note != "" {
			fmt.Println(note)
		}
		return printDelta(delta)
	}),
}

var focusStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "End the running focus session",
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		delta, err := c.EndSession(ctx)
		if err != nil {
			return err
		}
		return printDelta(delta)
	}),
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage the distracting and focus-blocked site lists",
}

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sites",
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		sites, err := readSites(ctx, c, sitesKey())
		if err != nil {
			return err
		}
		for _, s := range sites {
			fmt.Println(s)
		}
		return nil
	}),
}

var sitesAddCmd = &cobra.Command{
	Use:   "add <site>...",
	Short: "Add sites to a list",
	Args:  cobra.MinimumNArgs(1),
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		return editSites(ctx, c, sitesKey(), args, nil)
	}),
}

var sitesRemoveCmd = &cobra.Command{
	Use:   "remove <site>...",
	Short: "Remove sites from a list",
	Args:  cobra.MinimumNArgs(1),
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		return editSites(ctx, c, sitesKey(), nil, args)
	}),
}

var flagCmd = &cobra.Command{
	Use:   "flag <url>",
	Short: "Flag the site of a URL as distracting",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		u, err := url.Parse(strings.TrimSpace(args[0]))
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("not a URL: %q", args[0])
		}
		host := schema.NormalizeHostname(u.Hostname())
		if host == "" {
			return fmt.Errorf("no usable hostname in %q", args[0])
		}
		return editSites(ctx, c, schema.KeyDistractingSites, []string{host}, nil)
	}),
}

var navigateCmd = &cobra.Command{
	Use:    "navigate <target> <url>",
	Short:  "Report a navigation to the distraction gate",
	Hidden: true,
	Args:   cobra.ExactArgs(2),
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		decision, err := c.Navigate(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(decision)
		return nil
	}),
}

var justifyCmd = &cobra.Command{
	Use:   "justify <target> <reason>",
	Short: "Justify a gated navigation and open it for a while",
	Args:  cobra.MinimumNArgs(2),
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		allow, err := c.Justify(ctx, args[0], strings.Join(args[1:], " "))
		if errors.Is(err, usecase.ErrTryAgain) {
			return fmt.Errorf("%w: start the controller with `flowagent start`", err)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s allowed until %s\n", allow.Hostname, time.UnixMilli(allow.ExpiresAt).Format(time.Kitchen))
		return nil
	}),
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent justifications",
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		entries, err := c.Justifications(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		for _, e := range entries {
			fmt.Printf("%s  %-24s %s\n", time.UnixMilli(e.CreatedAt).Format(time.DateTime), e.Hostname, e.Text)
		}
		return nil
	}),
}

var exerciseCmd = &cobra.Command{
	Use:   "exercise",
	Short: "Exercise counters",
}

var exerciseRecordCmd = &cobra.Command{
	Use:       "record <pushups|squats|stretches> <count>",
	Short:     "Add reps to today's counter",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(domain.ExercisePushups), string(domain.ExerciseSquats), string(domain.ExerciseStretches)},
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		count, err := strconv.Atoi(args[1])
		if err != nil || count <= 0 {
			return fmt.Errorf("count must be a positive number, got %q", args[1])
		}
		delta, err := c.RecordExercise(ctx, domain.ExerciseKind(args[0]), count)
		if errors.Is(err, usecase.ErrTryAgain) {
			return fmt.Errorf("%w: start the controller with `flowagent start`", err)
		}
		if err != nil {
			return err
		}
		return printDelta(delta)
	}),
}

var convertCmd = &cobra.Command{
	Use:   "convert [file]",
	Short: "Convert HTML to Markdown (reads stdin without a file)",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(ctx context.Context, _ *app, c *usecase.Client, args []string) error {
		var (
			raw []byte
			err error
		)
		if len(args) == 0 || args[0] == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		md, err := c.ConvertMarkdown(ctx, string(raw))
		if err != nil {
			return err
		}
		fmt.Println(md)
		return nil
	}),
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the live terminal view",
	RunE: withClient(func(ctx context.Context, a *app, c *usecase.Client, args []string) error {
		opts := ui.Options{Context: ctx, Backend: c}
		if a.conn != nil {
			opts.ServeHost = func(ctx context.Context, r domain.Renderer) error {
				return infra.ServeHost(ctx, a.conn, a.cfg.NATS.Prefix, r, nil, a.logger)
			}
		}
		return ui.Run(opts)
	}),
}

var (
	focusDuration time.Duration
	sitesFocus    bool
)

func init() {
	focusStartCmd.Flags().DurationVarP(&focusDuration, "duration", "d", 0, "Session length (default from config)")
	sitesCmd.PersistentFlags().BoolVar(&sitesFocus, "focus", false, "Edit the list blocked only during focus sessions")
	logCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	focusCmd.AddCommand(focusStartCmd, focusStopCmd)
	sitesCmd.AddCommand(sitesListCmd, sitesAddCmd, sitesRemoveCmd)
	exerciseCmd.AddCommand(exerciseRecordCmd)

	rootCmd.AddCommand(startCmd, statusCmd, focusCmd, sitesCmd, flagCmd, navigateCmd,
		justifyCmd, logCmd, exerciseCmd, convertCmd, watchCmd)
}

func runStart(ctx context.Context, a *app, _ *usecase.Client, _ []string) error {
	maxAge := a.cfg.Controller.HeartbeatMaxAge.Duration
	if a.registry.IsAlive(maxAge) {
		entry, _ := a.registry.Get()
		if entry != nil {
			fmt.Printf("flowagent controller already running (pid %d)\n", entry.PID)
		}
		return nil
	}

	if err := daemon.StartController(a.cfg.Path); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	entry, err := daemon.WaitForController(waitCtx, a.registry, maxAge, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("controller did not come up, see %s: %w", a.cfg.LogFile, err)
	}
	fmt.Printf("flowagent controller started (pid %d)\n", entry.PID)
	return nil
}

func runStatus(ctx context.Context, a *app, c *usecase.Client, _ []string) error {
	entry, _ := a.registry.Get()
	alive := a.registry.IsAlive(a.cfg.Controller.HeartbeatMaxAge.Duration)

	fields, err := c.GetState(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"controller": alive, "state": fields})
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var s domain.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}

	fmt.Println("\n=== flowagent Status ===")
	if alive && entry != nil {
		fmt.Printf("Controller: RUNNING (pid %d, version %s)\n", entry.PID, entry.AppVersion)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(time.Unix(entry.LastHeartbeat, 0)).Round(time.Second))
	} else {
		fmt.Println("Controller: NOT RUNNING (showing stored state)")
	}

	if s.IsInFlow {
		line := fmt.Sprintf("Focus: %q", s.Task)
		if s.ExpectedEndTime != nil {
			line += ", " + usecase.FormatCountdown(time.Until(time.UnixMilli(*s.ExpectedEndTime))) + " left"
		}
		fmt.Println(line)
	} else {
		fmt.Println("Focus: idle")
	}
	fmt.Printf("Gate: %s (%d sites)\n", onOff(s.DistractionGateEnabled), len(s.DistractingSites))
	fmt.Printf("Wellbeing nudges: %s\n", onOff(s.WellbeingNudgesEnabled))
	fmt.Printf("Exercise nudges: %s\n", onOff(s.ExerciseNudgesEnabled))
	fmt.Printf("Today: %d pushups, %d squats, %d stretches\n", s.PushupCount, s.SquatCount, s.StretchCount)
	fmt.Println("========================")
	return nil
}

func sitesKey() string {
	if sitesFocus {
		return schema.KeyFocusBlockedSites
	}
	return schema.KeyDistractingSites
}

func readSites(ctx context.Context, c *usecase.Client, key string) ([]string, error) {
	fields, err := c.GetState(ctx, key)
	if err != nil {
		return nil, err
	}
	switch list := fields[key].(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, nil
}

// editSites writes the list with add appended and remove dropped.
func editSites(ctx context.Context, c *usecase.Client, key string, add, remove []string) error {
	current, err := readSites(ctx, c, key)
	if err != nil {
		return err
	}
	next, err := planSites(current, add, remove)
	if err != nil {
		return err
	}
	delta, err := c.UpdateState(ctx, domain.Patch{key: next})
	if err != nil {
		return err
	}
	return printDelta(delta)
}

// planSites computes the new list. Hosts that would be dropped by the engine
// are rejected up front so the user sees why.
func planSites(current, add, remove []string) ([]string, error) {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[schema.NormalizeHostname(r)] = true
	}
	next := make([]string, 0, len(current)+len(add))
	seen := make(map[string]bool, len(current)+len(add))
	for _, s := range current {
		if !drop[s] && !seen[s] {
			seen[s] = true
			next = append(next, s)
		}
	}
	for _, a := range add {
		host := schema.NormalizeHostname(a)
		if host == "" {
			return nil, fmt.Errorf("not a valid site: %q", a)
		}
		if seen[host] {
			continue
		}
		seen[host] = true
		next = append(next, host)
	}
	if len(next) > schema.MaxSites {
		return nil, fmt.Errorf("site list is full (%d sites max)", schema.MaxSites)
	}
	return next, nil
}

// offlineStartNote explains how a session written without the controller
// differs from the one requested. Empty when the controller handled it.
func offlineStartNote(delta domain.Delta, requested time.Duration) string {
	if _, ok := delta[schema.KeyExpectedEndTime]; ok {
		return ""
	}
	if _, ok := delta[schema.KeyIsInFlow]; !ok {
		return ""
	}
	note := "controller not running: the session starts when it next runs"
	if requested > 0 {
		note += ", with the default length instead of " + requested.String()
	}
	return note
}

func printDelta(delta domain.Delta) error {
	if len(delta) == 0 {
		fmt.Println("no change")
		return nil
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(delta[k])
		fmt.Printf("%s = %s\n", k, v)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
