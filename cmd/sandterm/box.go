package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zpdzap/sandterm/internal/guardrail"
	"github.com/zpdzap/sandterm/internal/sandbox"
)

func boxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "box",
		Short: "Manage containers local sessions can run in",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Build the image and start a box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(os.Stderr)
			if err != nil {
				return err
			}
			box, err := a.sandbox.Boxes().Create(cmd.Context(), args[0], func(phase string) {
				fmt.Printf("[%s] %s\n", args[0], phase)
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created box %s (%s)\n", box.Name, box.ContainerID)
			for _, p := range sortedPorts(box.Ports) {
				fmt.Println("  " + p)
			}
			fmt.Printf("Use it with `sandterm prefer local --box %s`\n", box.Name)
			return nil
		},
	}

	rm := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"destroy"},
		Short:   "Remove a box and its container",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(os.Stderr)
			if err != nil {
				return err
			}
			if err := a.sandbox.Boxes().Destroy(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed box %s\n", args[0])
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List boxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(os.Stderr)
			if err != nil {
				return err
			}
			boxes := a.sandbox.Boxes()
			if err := boxes.Reconcile(cmd.Context()); err != nil {
				a.log.Warn("box reconciliation failed", "err", err)
			}
			list, err := boxes.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No boxes. Create one with `sandterm box create <name>`.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tCONTAINER\tPORTS\tCREATED")
			for _, b := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.Name, b.Status, b.ContainerID,
					strings.Join(sortedPorts(b.Ports), ","), b.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(create, rm, ls)
	return cmd
}

func sortedPorts(ports map[string]string) []string {
	out := make([]string, 0, len(ports))
	for container, host := range ports {
		out = append(out, fmt.Sprintf("%s→%s", container, host))
	}
	sort.Strings(out)
	return out
}

func preferCmd() *cobra.Command {
	var box string
	cmd := &cobra.Command{
		Use:       "prefer remote|local",
		Short:     "Choose where new sessions go in hybrid mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"remote", "local"},
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := os.Getwd()
			if err != nil {
				return err
			}
			p := sandbox.Preference{Backend: sandbox.Backend(args[0])}
			if box != "" {
				if p.Backend != sandbox.BackendLocal {
					return fmt.Errorf("--box only applies to the local backend")
				}
				p.Connection = "container:" + box
			}
			if err := sandbox.SavePreference(projectDir, p); err != nil {
				return err
			}
			msg := "New sessions will prefer the " + args[0] + " backend"
			if p.Connection != "" {
				msg += " (" + p.Connection + ")"
			}
			fmt.Println(msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&box, "box", "", "run local sessions inside this box instead of on the host")
	return cmd
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Probe the sandboxes and clear failed health state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.sandbox.Close()

			fmt.Printf("mode: %s\n", a.cfg.Mode)
			failed := false
			for _, h := range a.sandbox.Doctor(cmd.Context()) {
				if h.Unavailable || !h.Verified {
					failed = true
					fmt.Printf("  ✗ %s: %s\n", h.Name, h.LastError)
					continue
				}
				fmt.Printf("  ● %s: ok\n", h.Name)
			}
			if failed {
				return errReported
			}
			return nil
		},
	}
}

func guardrailsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardrails",
		Short: "List the effective guardrail policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, err := loadPolicies()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEVERITY\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", p.ID, p.Severity, p.Enabled, p.Description)
			}
			return w.Flush()
		},
	}

	check := &cobra.Command{
		Use:   "check <command...>",
		Short: "Show what the guardrails decide for a command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, err := loadPolicies()
			if err != nil {
				return err
			}
			d := guardrail.Check(strings.Join(args, " "), policies)
			if !d.Allowed {
				fmt.Printf("blocked by %s: %s\n", d.PolicyID, d.Message)
				return errReported
			}
			fmt.Println("allowed")
			for _, adv := range d.Advisories {
				fmt.Printf("  advisory %s (%s): %s\n", adv.PolicyID, adv.Severity, adv.Description)
			}
			return nil
		},
	}
	check.Flags().SetInterspersed(false)
	cmd.AddCommand(check)
	return cmd
}

func loadPolicies() ([]guardrail.Policy, error) {
	a, err := loadApp(os.Stderr)
	if err != nil {
		return nil, err
	}
	return guardrail.Load(a.cfg.Guardrails)
}
