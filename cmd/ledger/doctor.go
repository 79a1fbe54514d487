package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/ledger/internal/btree"
	"github.com/cuemby/ledger/internal/commitdag"
	"github.com/cuemby/ledger/internal/kvstore/boltstore"
	"github.com/cuemby/ledger/internal/objectstore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check a local repository's consistency invariants without mutating it",
	Long: `doctor walks every page store under --data-dir and verifies, read-only:

  1. every stored object's digest matches its id
  2. every object reachable from a commit's root tree is present locally
  3. a page's heads form an antichain (no head is an ancestor of another)

It reports every violation it finds on each page and exits non-zero if any
were found.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().String("data-dir", "./ledger-data", "Local state directory to check")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	ctx := context.Background()

	pages, err := findPageStores(dataDir)
	if err != nil {
		return fmt.Errorf("scan data dir: %w", err)
	}
	if len(pages) == 0 {
		fmt.Printf("no page stores found under %s\n", dataDir)
		return nil
	}

	var failures int
	for _, p := range pages {
		n, err := checkPage(ctx, p)
		if err != nil {
			fmt.Printf("%s: %v\n", p.pageID, err)
			failures++
			continue
		}
		failures += n
	}

	fmt.Printf("checked %d page(s), %d violation(s)\n", len(pages), failures)
	if failures > 0 {
		return fmt.Errorf("doctor found %d invariant violation(s)", failures)
	}
	return nil
}

type pageStore struct {
	dataDir string
	file    string
	pageID  string
}

// findPageStores walks dataDir for *.db files other than meta.db, which
// holds user-level state rather than a page.
func findPageStores(dataDir string) ([]pageStore, error) {
	var out []pageStore
	err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".db" {
			return nil
		}
		base := filepath.Base(path)
		if base == "meta.db" {
			return nil
		}
		out = append(out, pageStore{
			dataDir: filepath.Dir(path),
			file:    base,
			pageID:  strings.TrimSuffix(base, ".db"),
		})
		return nil
	})
	return out, err
}

// checkPage verifies invariants 1-3 for one page's store, returning the
// number of violations found.
func checkPage(ctx context.Context, p pageStore) (int, error) {
	kv, err := boltstore.Open(p.dataDir, p.file)
	if err != nil {
		return 0, fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	objects := objectstore.New(kv)
	violations := 0

	heads, err := commitdag.Heads(ctx, kv)
	if err != nil {
		return 0, fmt.Errorf("load heads: %w", err)
	}

	// Invariant 3: heads form an antichain.
	for i := 0; i < len(heads); i++ {
		for j := 0; j < len(heads); j++ {
			if i == j {
				continue
			}
			isAncestor, err := commitdag.IsAncestor(ctx, kv, heads[i], heads[j])
			if err != nil {
				return 0, fmt.Errorf("check ancestry: %w", err)
			}
			if isAncestor {
				fmt.Printf("%s: head %s is an ancestor of head %s (heads not an antichain)\n", p.pageID, heads[i], heads[j])
				violations++
			}
		}
	}

	// Invariants 1 and 2: every reachable object is present and verifies.
	for _, head := range heads {
		commit, err := commitdag.Get(ctx, kv, head)
		if err != nil {
			return 0, fmt.Errorf("load head commit %s: %w", head, err)
		}
		err = btree.Walk(ctx, objects, commit.RootTreeID, func(id objectstore.ID) error {
			present, err := objects.Contains(ctx, id)
			if err != nil {
				return err
			}
			if !present {
				fmt.Printf("%s: object %s reachable from commit %s is missing locally\n", p.pageID, id, head)
				violations++
				return nil
			}
			r, err := objects.GetObject(ctx, id)
			if err != nil {
				fmt.Printf("%s: object %s failed digest verification: %v\n", p.pageID, id, err)
				violations++
				return nil
			}
			_, _ = io.Copy(io.Discard, r)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("walk commit %s object closure: %w", head, err)
		}
	}

	return violations, nil
}
