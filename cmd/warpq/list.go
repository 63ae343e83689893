package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/warpdl/warpq/pkg/taskstore"
	"github.com/warpdl/warpq/pkg/warpq"
)

// list prints the persisted task table without starting the queue.
func list(ctx *cli.Context) error {
	store, err := taskstore.Open(filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		printRuntimeErr("list", "open_store", err)
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(context.Background())
	if err != nil {
		printRuntimeErr("list", "list_tasks", err)
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no downloads yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILE\tSTATUS\tSIZE\tDOWNLOADED\tADDED")
	for _, t := range tasks {
		size := "?"
		if t.FileSize >= 0 {
			size = humanize.IBytes(uint64(t.FileSize))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(t.ID),
			filepath.Base(t.TargetPath),
			t.Status,
			size,
			humanize.IBytes(uint64(t.Downloaded)),
			humanize.Time(t.CreatedAt),
		)
	}
	return w.Flush()
}

// flush deletes finished (completed or failed) tasks from the database.
func flush(ctx *cli.Context) error {
	store, err := taskstore.Open(filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		printRuntimeErr("flush", "open_store", err)
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(context.Background())
	if err != nil {
		printRuntimeErr("flush", "list_tasks", err)
		return err
	}
	var flushed int
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		if err := store.DeleteTask(context.Background(), t.ID); err != nil {
			printRuntimeErr("flush", "delete_task", err)
			continue
		}
		_ = store.DeleteProgress(context.Background(), t.ID)
		flushed++
	}
	fmt.Printf("flushed %d finished task(s)\n", flushed)
	return nil
}

func shortID(id warpq.TaskID) string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
