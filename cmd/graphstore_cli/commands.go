package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sushant-115/graphstore/core/indexing/schema"
	"github.com/sushant-115/graphstore/core/values"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the indexes in the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *session) error {
				names, err := s.manager.StoredIndexes()
				if err != nil {
					return err
				}
				for _, name := range names {
					printf(cmd, "%s\n", name)
				}
				return nil
			})
		},
	}
}

func newCreateCmd(a *app) *cobra.Command {
	var unique bool
	cmd := &cobra.Command{
		Use:   "create <index>",
		Short: "Create an empty number index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *session) error {
				if err := s.manager.CreateIndex(cmd.Context(), args[0], unique); err != nil {
					return err
				}
				printf(cmd, "created %s (unique=%t)\n", args[0], unique)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unique, "unique", false, "allow one entity per value")
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <index>",
		Short: "Print an index's file header and tree shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *session) error {
				name := args[0]
				if err := s.index(cmd.Context(), name); err != nil {
					return err
				}
				h, err := s.manager.Header(name)
				if err != nil {
					return err
				}
				ix, release, err := s.manager.Index(name)
				if err != nil {
					return err
				}
				defer release()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "store id\t%s\n", h.StoreID)
				fmt.Fprintf(w, "unique\t%t\n", ix.Unique())
				fmt.Fprintf(w, "format version\t%d\n", h.FormatVersion)
				fmt.Fprintf(w, "page size\t%d\n", h.PageSize)
				fmt.Fprintf(w, "layout\t%x v%d (key %d bytes, value %d bytes)\n", h.LayoutID, h.LayoutVersion, h.KeySize, h.ValueSize)
				fmt.Fprintf(w, "root page\t%d (generation %d)\n", h.RootID, h.RootGeneration)
				fmt.Fprintf(w, "last page\t%d\n", h.LastPageID)
				fmt.Fprintf(w, "checkpoints\t%d\n", h.Checkpoints)
				stats, err := ix.Tree().Stats()
				if err != nil {
					fmt.Fprintf(w, "tree\tUNREADABLE: %v\n", err)
				} else {
					fmt.Fprintf(w, "depth\t%d\n", stats.Depth)
					fmt.Fprintf(w, "nodes\t%d leaf, %d internal\n", stats.LeafNodes, stats.InternalNodes)
					fmt.Fprintf(w, "entries\t%d\n", stats.Entries)
					fmt.Fprintf(w, "free pages\t%d\n", stats.FreePages)
					fmt.Fprintf(w, "unreachable pages\t%d\n", stats.UnreachablePages)
				}
				return w.Flush()
			})
		},
	}
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <index>...",
		Short: "Run a full consistency check",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *session) error {
				var errs []error
				for _, name := range args {
					err := s.index(cmd.Context(), name)
					if err == nil {
						_, err = s.manager.Check(cmd.Context(), name)
					}
					if err != nil {
						printf(cmd, "%s: FAILED: %v\n", name, err)
						errs = append(errs, fmt.Errorf("%s: %w", name, err))
						continue
					}
					printf(cmd, "%s: ok\n", name)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newDumpCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dump <index> [range]",
		Short: "Print the entries of an index in order",
		Long:  "Print entries whose value lies in range, written as [1, 5), (2.5, +inf], a single value, or * (the default).",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := schema.All()
			if len(args) == 2 {
				var err error
				if p, err = parsePredicate(args[1]); err != nil {
					return err
				}
			}
			return a.withSession(func(s *session) error {
				if err := s.index(cmd.Context(), args[0]); err != nil {
					return err
				}
				n := 0
				err := s.manager.Visit(cmd.Context(), args[0], p, func(e schema.Entry) bool {
					printf(cmd, "%s\t%d\n", e.Value, e.EntityID)
					n++
					return limit <= 0 || n < limit
				})
				if err != nil {
					return err
				}
				printf(cmd, "(%d entries)\n", n)
				return cmd.Context().Err()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries; 0 prints all")
	return cmd
}

func parseEntry(args []string) (int64, values.Value, error) {
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("entity id %q: %w", args[1], err)
	}
	v, err := values.Parse(args[2])
	return id, v, err
}

func newAddCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add <index> <entity> <value>",
		Short: "Index a value for an entity",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, v, err := parseEntry(args)
			if err != nil {
				return err
			}
			return a.withSession(func(s *session) error {
				if err := s.index(cmd.Context(), args[0]); err != nil {
					return err
				}
				return s.manager.Add(cmd.Context(), args[0], id, v)
			})
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <index> <entity> <value>",
		Short: "Remove an entity's value from an index",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, v, err := parseEntry(args)
			if err != nil {
				return err
			}
			return a.withSession(func(s *session) error {
				if err := s.index(cmd.Context(), args[0]); err != nil {
					return err
				}
				found, err := s.manager.Remove(cmd.Context(), args[0], id, v)
				if err != nil {
					return err
				}
				if !found {
					printf(cmd, "not found\n")
				}
				return nil
			})
		},
	}
}

func newQueryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "query <index> <range>",
		Short: "Print the entity ids whose value lies in range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePredicate(args[1])
			if err != nil {
				return err
			}
			return a.withSession(func(s *session) error {
				if err := s.index(cmd.Context(), args[0]); err != nil {
					return err
				}
				ids, err := s.manager.Query(cmd.Context(), args[0], p)
				if err != nil {
					return err
				}
				for _, id := range ids {
					printf(cmd, "%d\n", id)
				}
				return nil
			})
		},
	}
}

func newBackupCmd(a *app) *cobra.Command {
	var rate int64
	cmd := &cobra.Command{
		Use:   "backup <index> <destination file>",
		Short: "Checkpoint an index and copy its file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *session) error {
				if err := s.index(cmd.Context(), args[0]); err != nil {
					return err
				}
				res, err := s.manager.Backup(cmd.Context(), args[0], args[1], rate)
				if err != nil {
					return err
				}
				printf(cmd, "copied %d bytes to %s\nsha256 %s\n", res.Bytes, args[1], res.SHA256)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&rate, "rate", 0, "copy bandwidth limit in bytes per second; 0 is unlimited")
	return cmd
}
