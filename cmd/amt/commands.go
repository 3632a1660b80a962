package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	cid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	amt "github.com/filecoin-project/go-amt-ipld/v5"
	"github.com/filecoin-project/go-amt-ipld/v5/blockstore"
)

var log = logging.Logger("amt/cli")

type cliContext struct {
	dbPath   string
	bitWidth uint
	root     string
	logLevel string
	metrics  bool

	db       *blockstore.LevelDB
	registry *prometheus.Registry
	store    cbor.IpldStore
}

func (c *cliContext) open() error {
	if err := logging.SetLogLevelRegex("amt.*", c.logLevel); err != nil {
		return xerrors.Errorf("setting log level: %w", err)
	}
	db, err := blockstore.OpenLevelDB(c.dbPath, nil)
	if err != nil {
		return err
	}
	c.db = db
	c.registry = prometheus.NewRegistry()
	metered, err := blockstore.NewMetered(db, c.registry, prometheus.Labels{"backend": "leveldb"})
	if err != nil {
		_ = db.Close()
		return err
	}
	c.store = cbor.NewCborStore(metered)
	return nil
}

func (c *cliContext) close(w io.Writer) error {
	if c.db == nil {
		return nil
	}
	if c.metrics {
		if err := printMetrics(w, c.registry); err != nil {
			log.Warnw("gathering metrics", "error", err)
		}
	}
	return c.db.Close()
}

func (c *cliContext) opts() []amt.Option {
	return []amt.Option{amt.UseTreeBitWidth(c.bitWidth)}
}

// load opens the AMT at --root, or a new one if no root was given.
func (c *cliContext) load(ctx context.Context) (*amt.Root[string], error) {
	if c.root == "" {
		return amt.NewAMT(c.store, amt.IpldCodec[string](), c.opts()...)
	}
	rc, err := cid.Decode(c.root)
	if err != nil {
		return nil, xerrors.Errorf("parsing root %q: %w", c.root, err)
	}
	return amt.LoadAMT(ctx, c.store, amt.IpldCodec[string](), rc, c.opts()...)
}

// run executes the command line in args. The block store is closed, and
// metrics are printed, even when the command fails.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := &cliContext{}
	cmd := rootCommand(c)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if cerr := c.close(stdout); err == nil {
		err = cerr
	}
	return err
}

func rootCommand(c *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "amt",
		Short:         "inspect and modify AMTs stored in a leveldb block store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open()
		},
	}
	cmd.PersistentFlags().StringVar(&c.dbPath, "db", "amt.db", "path of the leveldb block store")
	cmd.PersistentFlags().UintVar(&c.bitWidth, "bitwidth", 3, "bit width of the AMT")
	cmd.PersistentFlags().StringVar(&c.root, "root", "", "root CID of the AMT, empty for a new AMT")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level of the amt loggers")
	cmd.PersistentFlags().BoolVar(&c.metrics, "metrics", false, "print block store metrics on exit")

	cmd.AddCommand(
		setCommand(c),
		getCommand(c),
		deleteCommand(c),
		lsCommand(c),
		infoCommand(c),
		diffCommand(c),
	)
	return cmd
}

func parseIndex(s string) (uint64, error) {
	i, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("parsing index %q: %w", s, err)
	}
	return i, nil
}

func setCommand(c *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <index> <value>",
		Short: "set a value and print the new root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			i, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			a, err := c.load(ctx)
			if err != nil {
				return err
			}
			if err := a.Set(ctx, i, args[1]); err != nil {
				return err
			}
			rc, err := a.Flush(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rc)
			return nil
		},
	}
}

func getCommand(c *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <index>",
		Short: "print the value at an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			i, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			a, err := c.load(ctx)
			if err != nil {
				return err
			}
			v, found, err := a.Get(ctx, i)
			if err != nil {
				return err
			}
			if !found {
				return xerrors.Errorf("index %d: %w", i, amt.ErrNotFound)
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func deleteCommand(c *cliContext) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "delete <index>...",
		Short: "delete indexes and print the new root",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			indices := make([]uint64, 0, len(args))
			for _, arg := range args {
				i, err := parseIndex(arg)
				if err != nil {
					return err
				}
				indices = append(indices, i)
			}
			a, err := c.load(ctx)
			if err != nil {
				return err
			}
			modified, err := a.BatchDelete(ctx, indices, strict)
			if err != nil {
				return err
			}
			if !modified {
				log.Infow("nothing deleted", "indices", indices)
			}
			rc, err := a.Flush(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail if any index is not set")
	return cmd
}

func lsCommand(c *cliContext) *cobra.Command {
	var start uint64
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "list index/value pairs in index order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.load(ctx)
			if err != nil {
				return err
			}
			for e, err := range a.EntriesFrom(ctx, start) {
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", e.Index, e.Value)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&start, "start", 0, "first index to list")
	return cmd
}

func infoCommand(c *cliContext) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "print the shape of the AMT and the size of the block store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.load(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if c.root != "" {
				rc, err := cid.Decode(c.root)
				if err != nil {
					return err
				}
				dh, err := mh.Decode(rc.Hash())
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "root:      %s (%s)\n", rc, dh.Name)
			}
			fmt.Fprintf(w, "bit width: %d (width %d)\n", a.BitWidth(), 1<<a.BitWidth())
			fmt.Fprintf(w, "height:    %d\n", a.Height())
			fmt.Fprintf(w, "count:     %s\n", humanize.Comma(int64(a.Len())))
			if first, err := a.FirstSetIndex(ctx); err == nil {
				fmt.Fprintf(w, "first:     %d\n", first)
			} else if !xerrors.Is(err, amt.ErrNoValues) {
				return err
			}
			if verify {
				if err := a.Verify(ctx); err != nil {
					return err
				}
				fmt.Fprintln(w, "verified:  ok")
			}
			count, size, err := c.db.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "store:     %s blocks, %s\n", humanize.Comma(int64(count)), humanize.Bytes(size))
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "walk the whole AMT and check its count")
	return cmd
}

func diffCommand(c *cliContext) *cobra.Command {
	var workers int64
	cmd := &cobra.Command{
		Use:   "diff <prev> <cur>",
		Short: "print the changes between two AMT roots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prev, err := cid.Decode(args[0])
			if err != nil {
				return err
			}
			cur, err := cid.Decode(args[1])
			if err != nil {
				return err
			}
			var changes []*amt.Change
			if workers > 1 {
				changes, err = amt.ParallelDiff(ctx, c.store, c.store, prev, cur, workers, c.opts()...)
			} else {
				changes, err = amt.Diff(ctx, c.store, c.store, prev, cur, c.opts()...)
			}
			if err != nil {
				return err
			}
			codec := amt.IpldCodec[string]()
			for _, ch := range changes {
				var before, after string
				if ch.Before != nil {
					if before, err = codec.Decode(ch.Before); err != nil {
						return err
					}
				}
				if ch.After != nil {
					if after, err = codec.Decode(ch.After); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%q\t%q\n", ch.Type, ch.Key, before, after)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&workers, "workers", 1, "number of diff workers")
	return cmd
}

func printMetrics(w io.Writer, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var labels string
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(w, "%s%s %s\n", mf.GetName(), labels, humanize.Comma(int64(m.GetCounter().GetValue())))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%s%s count=%d sum=%s\n", mf.GetName(), labels, h.GetSampleCount(), humanize.Bytes(uint64(h.GetSampleSum())))
			}
		}
	}
	return nil
}
