// Command cognote is the interactive execution context for the cognitive
// space store: it wires bridge → coordinator → projection over a local
// SQLite file and exposes the note operations on the command line.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mingzhangyang/cognitive-space-sub000/internal/config"
	"github.com/mingzhangyang/cognitive-space-sub000/internal/store"
	"github.com/mingzhangyang/cognitive-space-sub000/pkg/compact"
	"github.com/mingzhangyang/cognitive-space-sub000/pkg/exchange"
	"github.com/mingzhangyang/cognitive-space-sub000/pkg/notes"
	"github.com/mingzhangyang/cognitive-space-sub000/pkg/rebuild"
)

type app struct {
	cfg       config.Config
	log       *zap.Logger
	store     *store.SQLiteStore
	coord     *rebuild.Coordinator
	bridge    *rebuild.Bridge
	compactor *compact.Compactor
	svc       *notes.Service
}

func (a *app) open(cfgPath, dbPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.StorePath = dbPath
	}
	a.cfg = cfg

	if cfg.Debug {
		a.log, err = zap.NewDevelopment()
	} else {
		a.log, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = s
	a.coord = rebuild.NewCoordinator(s, cfg.ProjectionBatchSize, a.log)
	a.bridge = rebuild.NewBridge(a.coord, cfg.BackgroundRebuild, a.log)
	a.compactor = compact.New(s, a.bridge, cfg.CompactMinEvents, cfg.CompactRatio, a.log)
	a.svc = notes.NewService(s, a.bridge, a.log)
	return nil
}

func (a *app) close() {
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.log != nil {
		a.log.Sync()
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	a := &app{}
	var cfgPath, dbPath string

	root := &cobra.Command{
		Use:           "cognote",
		Short:         "Event-sourced local note store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cfgPath, dbPath)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the store (overrides config)")

	var noteType, parentID string
	createCmd := &cobra.Command{
		Use:   "create [content]",
		Short: "Create a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.svc.Create(notes.CreateInput{
				Content:  strings.Join(args, " "),
				Type:     store.NoteType(noteType),
				ParentID: parentID,
			})
			if n == nil {
				return fmt.Errorf("create failed, see log")
			}
			return printJSON(n)
		},
	}
	createCmd.Flags().StringVar(&noteType, "type", string(store.TypeUncategorized), "note type")
	createCmd.Flags().StringVar(&parentID, "parent", "", "parent question id")

	var listType, listParent string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ns []*store.Note
			switch {
			case listType != "":
				ns = a.svc.ListByType(store.NoteType(listType))
			case listParent != "":
				ns = a.svc.ListByParent(listParent)
			default:
				ns = a.svc.List()
			}
			return printJSON(ns)
		},
	}
	listCmd.Flags().StringVar(&listType, "type", "", "filter by type")
	listCmd.Flags().StringVar(&listParent, "parent", "", "filter by parent id")

	updateCmd := &cobra.Command{
		Use:   "update <id> <content>",
		Short: "Overwrite a note's content",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.svc.UpdateContent(args[0], strings.Join(args[1:], " "))
			if n == nil {
				return fmt.Errorf("note %s not updated", args[0])
			}
			return printJSON(n)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted := a.svc.Delete(args[0])
			if len(deleted) == 0 {
				return fmt.Errorf("note %s not deleted", args[0])
			}
			return printJSON(deleted)
		},
	}

	demoteCmd := &cobra.Command{
		Use:   "demote <id> <type>",
		Short: "Demote a question and unlink its children",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.svc.DemoteQuestion(args[0], store.NoteType(args[1]))
			if n == nil {
				return fmt.Errorf("note %s not demoted", args[0])
			}
			return printJSON(n)
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export the store to a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := exchange.Export(a.store)
			if err != nil {
				return err
			}
			return os.WriteFile(args[0], data, 0o644)
		},
	}

	var importMode string
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return exchange.Import(a.store, data, exchange.Mode(importMode))
		},
	}
	importCmd.Flags().StringVar(&importMode, "mode", string(exchange.ModeMerge), "replace or merge")

	var force bool
	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if force {
				return a.compactor.Compact()
			}
			return a.compactor.MaybeCompact()
		},
	}
	compactCmd.Flags().BoolVar(&force, "force", false, "compact even below the thresholds")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print event/note counts and watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := a.store.CountEvents()
			if err != nil {
				return err
			}
			ns, err := a.store.CountNotes()
			if err != nil {
				return err
			}
			eventAt, projectionAt, err := a.store.Watermarks()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"events":           events,
				"notes":            ns,
				"lastEventAt":      eventAt,
				"lastProjectionAt": projectionAt,
				"stale":            projectionAt < eventAt,
			})
		},
	}

	root.AddCommand(createCmd, listCmd, updateCmd, deleteCmd, demoteCmd,
		exportCmd, importCmd, compactCmd, statsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cognote:", err)
		os.Exit(1)
	}
}
