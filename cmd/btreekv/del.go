package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"btreekv/internal/delfsm"
	"btreekv/internal/metrics"
	"btreekv/internal/storage"
)

var engineMetrics = &metrics.Tree{}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Delete a key, driving the resumable delete engine to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := delfsm.New(cache, engineMetrics)
		d.Init([]byte(args[0]))

		var event *storage.Event
		for !d.IsFinished() {
			res, err := d.Step(event)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			event = nil
			if res == delfsm.ResultIncomplete {
				e := <-d.Events()
				event = &e
			}
		}

		switch d.OpResult() {
		case delfsm.OpFound:
			fmt.Println("deleted")
		case delfsm.OpNotFound:
			fmt.Println("not found")
		}
		return nil
	},
}
