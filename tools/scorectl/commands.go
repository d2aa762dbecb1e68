// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/ttbt-io/wicketkeeper/backend"
	"github.com/ttbt-io/wicketkeeper/backend/cricket"
	"gopkg.in/yaml.v3"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	DataDir string
	Format  string // "text" | "json" | "yaml"
}

var validFormats = []string{"text", "json", "yaml"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "scorectl",
		Short: "Inspect wicketkeeper matches",
		Long: `Inspect the matches stored in a wicketkeeper data directory, or replay
an action log file without a server.

Encrypted data directories need the passphrase in $` + backend.MasterKeyEnv + `.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "data", "Directory for match data")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newDumpCommand(opts))
	return cmd
}

func openMatchStore(opts *rootOptions) (*backend.MatchStore, error) {
	if _, err := os.Stat(opts.DataDir); err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}
	s, _, err := backend.OpenStorage(opts.DataDir, os.Getenv(backend.MasterKeyEnv))
	if err != nil {
		return nil, err
	}
	return backend.NewMatchStore(opts.DataDir, s), nil
}

// writeStructured writes v as JSON or YAML. It returns false for the text
// format.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

func writeMatch(w io.Writer, format string, m *backend.Match) error {
	if done, err := writeStructured(w, format, m.Summary()); done {
		return err
	}
	fmt.Fprintf(w, "%s vs %s", m.Team1, m.Team2)
	if m.Venue != "" {
		fmt.Fprintf(w, " at %s", m.Venue)
	}
	if m.Date != "" {
		fmt.Fprintf(w, ", %s", m.Date)
	}
	fmt.Fprintf(w, "\n\n")
	return cricket.WriteScorecard(w, m.State, m.Team1, m.Team2)
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <match-id>",
		Short: "Print the scorecard of a stored match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := openMatchStore(opts)
			if err != nil {
				return err
			}
			m, err := ms.LoadMatch(args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}
			if m.Status == backend.StatusDeleted {
				return fmt.Errorf("match %s was deleted", args[0])
			}
			return writeMatch(cmd.OutOrStdout(), opts.Format, m)
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored matches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := openMatchStore(opts)
			if err != nil {
				return err
			}
			var summaries []backend.MatchSummary
			for m, err := range ms.ListAllMatches() {
				if err != nil {
					return err
				}
				if m.Status == backend.StatusDeleted && !all {
					continue
				}
				summaries = append(summaries, m.Summary())
			}
			slices.SortFunc(summaries, func(a, b backend.MatchSummary) int {
				if c := strings.Compare(b.Date, a.Date); c != 0 {
					return c
				}
				return strings.Compare(a.ID, b.ID)
			})

			out := cmd.OutOrStdout()
			if summaries == nil {
				summaries = []backend.MatchSummary{}
			}
			if done, err := writeStructured(out, opts.Format, summaries); done {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDATE\tMATCH\tSTATUS\tSCORE\tOVERS\tRESULT")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%s v %s\t%s\t%s\t%s\t%s\n", s.ID, s.Date, s.Team1, s.Team2, s.Status, s.Score, s.Overs, s.Result)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deleted matches")
	return cmd
}

// readActionLog accepts either a JSON array of actions or a stored match
// document with an actionLog field.
func readActionLog(data []byte) ([]json.RawMessage, error) {
	var actions []json.RawMessage
	if err := json.Unmarshal(data, &actions); err == nil {
		return actions, nil
	}
	var m struct {
		ActionLog []json.RawMessage `json:"actionLog"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("not an action list or match document: %w", err)
	}
	if len(m.ActionLog) == 0 {
		return nil, errors.New("match document has no actionLog")
	}
	return m.ActionLog, nil
}

func newReplayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <file>",
		Short: "Replay a JSON action log and print the resulting scorecard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			actions, err := readActionLog(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := backend.ValidateActions(actions); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			m, err := backend.NewMatchFromActions("", actions)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return writeMatch(cmd.OutOrStdout(), opts.Format, m)
		},
	}
}

func newDumpCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <file>...",
		Short: "Decrypt and print raw data files",
		Long: `Decrypt and print data files such as matches/<id>.json. Paths are
relative to the data directory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.DataDir); err != nil {
				return fmt.Errorf("data directory: %w", err)
			}
			s, _, err := backend.OpenStorage(opts.DataDir, os.Getenv(backend.MasterKeyEnv))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			format := opts.Format
			if format == "text" {
				format = "json"
			}
			var errs []error
			for _, arg := range args {
				rel := arg
				if r, err := filepath.Rel(opts.DataDir, arg); err == nil && !strings.HasPrefix(r, "..") {
					rel = r
				}
				obj := dumpTarget(rel)
				if err := s.ReadDataFile(rel, obj); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", arg, err))
					continue
				}
				fmt.Fprintf(out, "=========== %s ===========\n", rel)
				if _, err := writeStructured(out, format, obj); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", arg, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

// dumpTarget returns a value of the type stored in the data file at rel.
func dumpTarget(rel string) any {
	switch {
	case strings.HasSuffix(rel, ".meta.json"):
		return new(backend.MatchMetadata)
	case strings.HasPrefix(filepath.ToSlash(rel), "matches/"):
		return new(backend.Match)
	case filepath.Base(rel) == "sys_access_policy":
		return new(backend.UserAccessPolicy)
	default:
		return new(map[string]any)
	}
}
