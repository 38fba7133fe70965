package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"btreekv/internal/node"
)

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Insert or overwrite a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if len(key) > node.MaxKeySize {
			return fmt.Errorf("key exceeds %d bytes", node.MaxKeySize)
		}
		if len(val) > node.MaxValSize {
			return fmt.Errorf("value exceeds %d bytes", node.MaxValSize)
		}

		txn, ok := cache.BeginTransaction(nil)
		if !ok {
			return fmt.Errorf("put: could not acquire writer lock")
		}
		root := node.Insert(txn, cache.RootID(), []byte(key), []byte(val))
		txn.SetRootID(root)
		if !txn.Commit(nil) {
			return fmt.Errorf("put: commit failed")
		}
		return nil
	},
}
