// Command lsmkv is a small operator CLI over a store directory: put,
// get, del, range, and stats.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"lsmkv"
)

func main() {
	cmd := &cli.Command{
		Name:  "lsmkv",
		Usage: "operate an lsmkv store directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Aliases:  []string{"d"},
				Usage:    "store directory",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "flush-threshold",
				Usage: "memtable byte threshold that triggers a flush",
				Value: lsmkv.DefaultFlushThreshold,
			},
			&cli.IntFlag{
				Name:  "max-dbf-count",
				Usage: "DBF count that triggers compaction (0 disables)",
				Value: 0,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable structured logging to stderr",
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			delCommand(),
			rangeCommand(),
			statsCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "lsmkv:", err)
		os.Exit(1)
	}
}

func openFromFlags(c *cli.Command) (*lsmkv.DB, error) {
	opts := lsmkv.DefaultOptions()
	opts.FlushThreshold = int(c.Int("flush-threshold"))
	opts.MaxDBFCount = int(c.Int("max-dbf-count"))
	if c.Bool("verbose") {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts.Logger = log
	}

	dir := c.String("dir")
	db, err := lsmkv.Open(dir, opts)
	if err == lsmkv.ErrNotFound {
		return lsmkv.Create(dir, opts)
	}
	return db, err
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "write a key/value pair",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("put requires exactly two arguments: <key> <value>")
			}
			db, err := openFromFlags(c)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Put([]byte(c.Args().Get(0)), []byte(c.Args().Get(1)))
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "read the value for a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("get requires exactly one argument: <key>")
			}
			db, err := openFromFlags(c)
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := db.Get([]byte(c.Args().Get(0)))
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func delCommand() *cli.Command {
	return &cli.Command{
		Name:      "del",
		Usage:     "delete a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("del requires exactly one argument: <key>")
			}
			db, err := openFromFlags(c)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete([]byte(c.Args().Get(0)))
		},
	}
}

func rangeCommand() *cli.Command {
	return &cli.Command{
		Name:      "range",
		Usage:     "list values for keys in [lo, hi]",
		ArgsUsage: "<lo> <hi>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("range requires exactly two arguments: <lo> <hi>")
			}
			db, err := openFromFlags(c)
			if err != nil {
				return err
			}
			defer db.Close()
			vals, err := db.Range([]byte(c.Args().Get(0)), []byte(c.Args().Get(1)))
			if err != nil {
				return err
			}
			for _, v := range vals {
				fmt.Println(string(v))
			}
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "open the store and report basic status",
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := openFromFlags(c)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Println("store opened successfully:", c.String("dir"))
			return nil
		},
	}
}
