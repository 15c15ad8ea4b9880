package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/k2io/nativehook/internal/dynlink"
	"github.com/k2io/nativehook/internal/procmaps"
)

var imagesPid int

func init() {
	cmd := newImagesCmd()
	cmd.Flags().IntVarP(&imagesPid, "pid", "p", 0, "Process to inspect (default: hookplan itself)")
	rootCmd.AddCommand(cmd)
}

func newImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List the ELF images mapped into a process",
		Long: `The images command reads /proc/<pid>/maps and prints every mapped ELF
file with its load bias, main executable first.

Example:
  hookplan images --pid 1234`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImages(cmd, imagesPid)
		},
	}
}

func runImages(cmd *cobra.Command, pid int) error {
	if pid == 0 {
		pid = os.Getpid()
	}
	t, err := procmaps.ReadPid(pid)
	if err != nil {
		return errors.Wrapf(err, "maps of %d", pid)
	}
	exe, _ := os.Readlink("/proc/" + strconv.Itoa(pid) + "/exe")
	images := dynlink.FromTable(t, exe)
	if jsonOut {
		return printJSON(images)
	}
	w := cmd.OutOrStdout()
	for _, img := range images {
		mark := " "
		if img.Main {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %#014x %#014x-%#014x %s\n", mark, img.Base, img.Start, img.End, img.Path)
	}
	return nil
}
