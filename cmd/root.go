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
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/prospectfuturesinc/huggingface-filesystem/cfg"
	"github.com/prospectfuturesinc/huggingface-filesystem/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd builds the hffs command tree. Configuration flows from flag
// defaults, overridden by an optional yaml config file, overridden by flags
// set on the command line; viper owns that precedence.
func NewRootCmd() (*cobra.Command, error) {
	var (
		config  cfg.Config
		cfgFile string
	)
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "hffs [flags] <namespace/name> [mount-root]",
		Short: "Mount a Hugging Face Hub repository as a local file system",
		Long: `hffs mounts a Hugging Face Hub repository locally, publishing two entry
points under the mount root: READ/, which streams repository files on demand
without persisting anything, and WRITE/, a memory-backed staging area whose
contents are committed back to the repository in the background.`,
		Version:      common.GetVersion(),
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(v, cfgFile, &config); err != nil {
				return err
			}
			if err := config.Repo.UnmarshalText([]byte(args[0])); err != nil {
				return err
			}
			if config.Folder == "" {
				config.Folder = config.Repo.DefaultFolder()
			}
			if err := cfg.ValidateConfig(&config); err != nil {
				return err
			}

			var mountRoot string
			if len(args) > 1 {
				mountRoot = args[1]
			}
			return runMount(cmd.Context(), &config, mountRoot)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "",
		"Path to a yaml config file specifying hffs options.")
	if err := cfg.BindFlags(v, rootCmd.PersistentFlags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	rootCmd.AddCommand(newCleanCmd(v, &cfgFile))
	return rootCmd, nil
}

func loadConfig(v *viper.Viper, cfgFile string, config *cfg.Config) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	err := v.Unmarshal(config,
		viper.DecodeHook(cfg.DecodeHook()),
		func(decoderConfig *mapstructure.DecoderConfig) {
			decoderConfig.TagName = "yaml"
		})
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func Execute() {
	rootCmd, err := NewRootCmd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
