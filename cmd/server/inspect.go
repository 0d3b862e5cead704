package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/coderoom/internal/db"
)

func openDatabase() (*db.Database, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return db.New(cfg.DBPath)
}

func runRooms(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	rooms, err := database.ListRooms(cmd.Context(), roomsLimit, 0)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rooms yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tNAME\tHAS CODE\tUPDATED")
	for _, r := range rooms {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.ID, r.Name, r.HasCode, r.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	roomID := args[0]
	changes, err := database.ListChanges(cmd.Context(), roomID, historyLimit)
	if err != nil {
		return fmt.Errorf("list changes: %w", err)
	}
	if len(changes) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No recorded changes for room %q.\n", roomID)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tUSER\tTYPE\tLINES\tBYTES")
	for _, c := range changes {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n",
			c.ID, c.CreatedAt.Local().Format(time.DateTime), c.UserID, c.ChangeType, lineCount(c.Code), len(c.Code))
	}
	return w.Flush()
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
