/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package main

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd is an IRCv3 daemon",
	Long: `relayd is an IRCv3-capable IRC daemon: channel actors, SASL,
multi-session bouncer presence, and optional server-to-server linking.

Configuration is read from --config, or from ./relayd.yaml, or from
/etc/relayd/relayd.yaml if neither is present; any setting can also be
overridden with a RELAYD_ environment variable (e.g. RELAYD_LISTEN_ADDRESS).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
}
