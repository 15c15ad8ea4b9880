package main

import (
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/k2io/nativehook/internal/objsym"
)

var symbolsFilter string

func init() {
	cmd := newSymbolsCmd()
	cmd.Flags().StringVarP(&symbolsFilter, "filter", "f", "", "Only list symbols containing this string")
	rootCmd.AddCommand(cmd)
}

func newSymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <file>",
		Short: "List the symbols of an object file",
		Long: `The symbols command lists the function symbols of an ELF, Mach-O or
PE file, sorted by address.

Example:
  hookplan symbols /usr/lib/x86_64-linux-gnu/libc.so.6 --filter malloc
  hookplan symbols ./server --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSymbols(cmd, args[0])
		},
	}
}

func runSymbols(cmd *cobra.Command, name string) error {
	f, err := objsym.Open(name)
	if err != nil {
		return errors.Wrapf(err, "open %s", name)
	}
	defer f.Close()
	log.WithFields(log.Fields{"format": f.Format(), "arch": f.Arch()}).Debug("opened")

	syms, err := f.Symbols()
	if err != nil {
		return errors.Wrap(err, "read symbols")
	}
	var out []objsym.Symbol
	for _, s := range syms {
		if symbolsFilter == "" || strings.Contains(s.Name, symbolsFilter) {
			out = append(out, s)
		}
	}
	if jsonOut {
		return printJSON(out)
	}
	w := cmd.OutOrStdout()
	for _, s := range out {
		fmt.Fprintf(w, "%#016x %6d %s\n", s.Addr, s.Size, s.Name)
	}
	return nil
}
