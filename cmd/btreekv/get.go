package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"btreekv/internal/node"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Look up a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := cache.BeginRead()
		defer r.EndRead()

		val, found := node.Get(readerStore{r}, r.RootID(), []byte(args[0]))
		if !found {
			return fmt.Errorf("key not found")
		}
		fmt.Println(string(val))
		return nil
	},
}

// readerStore adapts a read-only storage.Reader to node.PageStore's
// Get method; New/Del are unreachable on a lookup-only path and panic
// if ever called, which would indicate a programming error here.
type readerStore struct {
	r interface {
		Get(id uint64) []byte
	}
}

func (s readerStore) Get(id uint64) node.Node { return node.Node{Data: s.r.Get(id)} }
func (s readerStore) New(node.Node) uint64     { panic("get: read-only store") }
func (s readerStore) Del(uint64)               { panic("get: read-only store") }
