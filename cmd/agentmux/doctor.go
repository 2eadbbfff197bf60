package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/agentmux/internal/appconfig"
	"pkt.systems/agentmux/internal/binpath"
	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify agent CLIs for the configured workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			var failures []error
			for _, probe := range doctorProbes(cfg) {
				caps, err := schema.CapabilitiesFor(probe.kind)
				if err != nil {
					logger.Error("doctor backend unknown", "backend", probe.kind)
					failures = append(failures, fmt.Errorf("%s: %w", probe.kind, err))
					continue
				}
				version, err := binpath.Probe(cmd.Context(), probe.kind, probe.binary)
				if err != nil {
					logger.Error("doctor backend probe failed", "backend", probe.kind, "err", err)
					failures = append(failures, err)
					continue
				}
				logger.Info("doctor backend ok",
					"backend", probe.kind,
					"tier", caps.Tier,
					"version", version,
				)
			}
			if len(failures) > 0 {
				return errors.Join(failures...)
			}
			logger.Info("doctor ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

type backendProbe struct {
	kind   schema.BackendKind
	binary string
}

// doctorProbes lists one probe per configured workspace backend. Without
// configured workspaces every known backend is probed with its default
// binary.
func doctorProbes(cfg appconfig.Config) []backendProbe {
	if len(cfg.Workspaces) == 0 {
		var probes []backendProbe
		for _, kind := range schema.KnownBackends() {
			probes = append(probes, backendProbe{kind: kind})
		}
		return probes
	}
	seen := make(map[backendProbe]bool)
	var probes []backendProbe
	for _, ws := range cfg.Workspaces {
		probe := backendProbe{kind: schema.BackendKind(ws.Backend), binary: ws.Binary}
		if seen[probe] {
			continue
		}
		seen[probe] = true
		probes = append(probes, probe)
	}
	return probes
}
