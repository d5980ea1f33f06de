package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// Offline keyspace dump for debugging. Opens the store read-only and
// prints each key with its value size, or the full value with --values.
func main() {
	var (
		path   = flag.String("path", "", "pebble store directory (usually <db>/store)")
		prefix = flag.String("prefix", "", "only keys with this prefix")
		values = flag.Bool("values", false, "print values as well")
	)
	flag.Parse()
	if *path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}

	db, err := pebble.Open(*path, &pebble.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *path, err)
		os.Exit(1)
	}
	defer db.Close()

	opts := &pebble.IterOptions{}
	if *prefix != "" {
		opts.LowerBound = []byte(*prefix)
		opts.UpperBound = upperBound([]byte(*prefix))
	}
	it, err := db.NewIter(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iterator: %v\n", err)
		os.Exit(1)
	}
	defer it.Close()

	n := 0
	for it.First(); it.Valid(); it.Next() {
		if *values {
			fmt.Printf("%s\t%s\n", it.Key(), it.Value())
		} else {
			fmt.Printf("%s\t(%d bytes)\n", it.Key(), len(it.Value()))
		}
		n++
	}
	if err := it.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "iterate: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d keys\n", n)
}

// upperBound returns the smallest key greater than every key with the
// given prefix.
func upperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
