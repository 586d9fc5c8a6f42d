// Command pkgplan is a WASI module for the loom wasm plugin. It reads a node's state
// as JSON on stdin, plans the package change the state asks for and writes the plan
// back as JSON on stdout.
//
// Build it with
//
//	GOOS=wasip1 GOARCH=wasm go build -o pkgplan.wasm .
//
// State attributes read: package, state (present, absent, latest), version, manager
// (apt, dnf, yum, zypper), installed, installed_version, available_version.
// Attributes written: plan_action (install, update, remove, none), plan_changes and
// plan_command.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// PackageConfig is the desired configuration of a package.
type PackageConfig struct {
	Package string   `json:"package"`
	State   string   `json:"state"`
	Version string   `json:"version,omitempty"`
	Manager string   `json:"manager,omitempty"`
	Options []string `json:"options,omitempty"`

	// Installed and the versions below describe what is on the host now.
	Installed        bool   `json:"installed,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	AvailableVersion string `json:"available_version,omitempty"`
}

// Change is one field the plan changes.
type Change struct {
	Path   string      `json:"path"`
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// Plan is written to stdout.
type Plan struct {
	Action  string   `json:"plan_action"`
	Changes []Change `json:"plan_changes,omitempty"`
	Command string   `json:"plan_command,omitempty"`
}

const (
	ActionInstall = "install"
	ActionUpdate  = "update"
	ActionRemove  = "remove"
	ActionNone    = "none"
)

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer) error {
	var cfg PackageConfig
	if err := json.NewDecoder(in).Decode(&cfg); err != nil {
		return fmt.Errorf("failed to parse state: %w", err)
	}
	plan, err := plan(&cfg)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(plan)
}

// plan compares the desired package state with the installed one.
func plan(cfg *PackageConfig) (*Plan, error) {
	if err := validatePackageConfig(cfg); err != nil {
		return nil, err
	}

	p := &Plan{Action: ActionNone}
	switch cfg.State {
	case "present":
		if !cfg.Installed {
			p.Action = ActionInstall
			p.Changes = append(p.Changes, Change{Path: ".installed", Before: false, After: true})
			if cfg.Version != "" {
				p.Changes = append(p.Changes, Change{Path: ".version", After: cfg.Version})
			}
		} else if cfg.Version != "" && cfg.InstalledVersion != cfg.Version {
			p.Action = ActionUpdate
			p.Changes = append(p.Changes, Change{Path: ".version", Before: cfg.InstalledVersion, After: cfg.Version})
		}

	case "absent":
		if cfg.Installed {
			p.Action = ActionRemove
			p.Changes = append(p.Changes, Change{Path: ".installed", Before: true, After: false})
		}

	case "latest":
		if !cfg.Installed {
			p.Action = ActionInstall
			p.Changes = append(p.Changes, Change{Path: ".installed", Before: false, After: true})
		} else if cfg.AvailableVersion != "" && cfg.InstalledVersion != cfg.AvailableVersion {
			p.Action = ActionUpdate
			p.Changes = append(p.Changes, Change{Path: ".version", Before: cfg.InstalledVersion, After: cfg.AvailableVersion})
		}
	}

	if p.Action != ActionNone && cfg.Manager != "" {
		p.Command = command(cfg, p.Action)
	}
	return p, nil
}

// command renders the package manager invocation for action.
func command(cfg *PackageConfig, action string) string {
	pkg := cfg.Package
	if cfg.Version != "" {
		switch cfg.Manager {
		case "apt":
			pkg += "=" + cfg.Version
		default:
			pkg += "-" + cfg.Version
		}
	}

	var args []string
	switch cfg.Manager {
	case "apt":
		args = []string{"apt-get", "-y"}
		switch action {
		case ActionRemove:
			args = append(args, "remove")
		case ActionUpdate:
			args = append(args, "install", "--only-upgrade")
		default:
			args = append(args, "install")
		}
	case "zypper":
		args = []string{"zypper", "--non-interactive"}
		switch action {
		case ActionRemove:
			args = append(args, "remove")
		case ActionUpdate:
			args = append(args, "update")
		default:
			args = append(args, "install")
		}
	default:
		args = []string{cfg.Manager, "-y"}
		switch action {
		case ActionRemove:
			args = append(args, "remove")
		case ActionUpdate:
			args = append(args, "upgrade")
		default:
			args = append(args, "install")
		}
	}
	args = append(args, cfg.Options...)
	args = append(args, pkg)
	return strings.Join(args, " ")
}

func validatePackageConfig(cfg *PackageConfig) error {
	if cfg.Package == "" {
		return fmt.Errorf("package name is required")
	}
	if cfg.State == "" {
		cfg.State = "present"
	}

	switch cfg.State {
	case "present", "absent", "latest":
	default:
		return fmt.Errorf("invalid state: %s (must be present, absent, or latest)", cfg.State)
	}

	if cfg.Manager != "" && !isValidPackageManager(cfg.Manager) {
		return fmt.Errorf("invalid package manager: %s", cfg.Manager)
	}
	if cfg.State == "absent" && cfg.Version != "" {
		return fmt.Errorf("version cannot be specified when state is absent")
	}
	if cfg.State == "latest" && cfg.Version != "" {
		return fmt.Errorf("version cannot be specified when state is latest")
	}
	return nil
}

func isValidPackageManager(manager string) bool {
	switch manager {
	case "apt", "dnf", "yum", "zypper":
		return true
	}
	return false
}
