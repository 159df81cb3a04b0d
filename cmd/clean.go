// Copyright 2025 Prospect Futures Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"errors"
	"fmt"

	"github.com/prospectfuturesinc/huggingface-filesystem/cfg"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/logger"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/mount"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/registry"
	"github.com/prospectfuturesinc/huggingface-filesystem/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newCleanCmd builds the subcommand that removes leftovers of sessions that
// did not shut down cleanly. Without arguments it lists recorded sessions.
func newCleanCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	var all bool

	cleanCmd := &cobra.Command{
		Use:   "clean [mount-root]",
		Short: "Remove artifacts of crashed mount sessions",
		Long: `clean inspects the session registry and removes the mount point, symlinks
and write cache left behind by sessions that did not unmount cleanly.
Staged files that were never committed are discarded.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var config cfg.Config
			if err := loadConfig(v, *cfgFile, &config); err != nil {
				return err
			}
			if err := logger.InitLogFile(config.Logging); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			var root string
			if len(args) > 0 {
				resolved, err := util.GetResolvedPath(args[0])
				if err != nil {
					return fmt.Errorf("resolve mount root: %w", err)
				}
				root = resolved
			}
			return runClean(cmd, registry.NewFileRegistry(string(config.SessionFile)), root, all)
		},
	}

	cleanCmd.Flags().BoolVar(&all, "all", false, "Clean up every recorded session.")
	return cleanCmd
}

func runClean(cmd *cobra.Command, reg registry.SessionRegistry, root string, all bool) error {
	sessions, err := reg.Active()
	if err != nil {
		return fmt.Errorf("session registry: %w", err)
	}
	if len(sessions) == 0 {
		cmd.Println("No recorded sessions.")
		return nil
	}

	if root == "" && !all {
		for _, s := range sessions {
			cmd.Printf("%s  %s  pid=%d  since %s\n",
				s.ID, s.LocalRoot, s.Pid, s.StartTime.Format("2006-01-02 15:04:05"))
		}
		cmd.Println("Pass a mount root or --all to clean up.")
		return nil
	}

	mounter := mount.NewFuseMounter()
	var errs []error
	cleaned := 0
	for _, s := range sessions {
		if !all && s.LocalRoot != root {
			continue
		}
		if err := mount.ForceCleanup(mounter, reg, s); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		cmd.Printf("Cleaned up session %s at %s.\n", s.ID, s.LocalRoot)
		cleaned++
	}

	if cleaned == 0 && len(errs) == 0 {
		return fmt.Errorf("no recorded session at %q", root)
	}
	return errors.Join(errs...)
}
