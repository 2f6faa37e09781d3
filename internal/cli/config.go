package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/treykane/tunnel-manager/internal/appconfig"
	"github.com/treykane/tunnel-manager/internal/util"
)

// resolveFile accepts a path, or a bare name looked up in the configs dir
// with a .yaml or .yml extension.
func resolveFile(ref string) (string, error) {
	if _, err := os.Stat(ref); err == nil {
		return ref, nil
	}
	if strings.ContainsRune(ref, filepath.Separator) {
		return "", fmt.Errorf("file not found: %s", ref)
	}
	dir, err := appconfig.ConfigsDir()
	if err != nil {
		return "", err
	}
	for _, ext := range []string{"", ".yaml", ".yml"} {
		p := filepath.Join(dir, ref+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no tunnel file named %q in %s", ref, dir)
}

func newConfigCmd(get sessionFunc) *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Load, merge and export tunnel files"}

	load := &cobra.Command{
		Use:   "load <file|name>",
		Short: "Replace all tunnels with those in a file (disconnects everything)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			path, err := resolveFile(args[0])
			if err != nil {
				return err
			}
			// Forwarders from earlier runs are not owned by this process.
			for _, t := range s.mgr.Tunnels() {
				if err := disconnectRef(cmd.Context(), s.mgr, t.ID); err != nil {
					return err
				}
			}
			if err := s.mgr.Load(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Printf("loaded %d tunnels from %s\n", len(s.mgr.Tunnels()), path)
			return nil
		},
	}

	merge := &cobra.Command{
		Use:   "merge <file|name>",
		Short: "Add the tunnels in a file to the current set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			path, err := resolveFile(args[0])
			if err != nil {
				return err
			}
			n, err := s.mgr.Merge(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Printf("merged %d tunnels from %s\n", n, path)
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export <file>",
		Short: "Write the current tunnels to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			path := args[0]
			if !strings.ContainsRune(path, filepath.Separator) && filepath.Ext(path) == "" {
				dir, err := appconfig.ConfigsDir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, path+".yaml")
			}
			if err := s.mgr.Export(path); err != nil {
				return err
			}
			fmt.Printf("exported %d tunnels to %s\n", len(s.mgr.Tunnels()), path)
			return nil
		},
	}

	info := &cobra.Command{
		Use:   "info <file|name>",
		Short: "Describe a tunnel file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			path, err := resolveFile(args[0])
			if err != nil {
				return err
			}
			fi, err := s.mgr.FileInfo(path)
			if err != nil {
				return err
			}
			fmt.Printf("name:     %s\n", fi.Name)
			fmt.Printf("path:     %s\n", fi.Path)
			fmt.Printf("tunnels:  %d\n", fi.TunnelCount)
			fmt.Printf("size:     %s\n", formatSize(fi.Size))
			fmt.Printf("modified: %s (%s)\n", fi.ModTime.Local().Format("2006-01-02 15:04"), humanize.Time(fi.ModTime))
			return nil
		},
	}

	var jsonOut bool
	files := &cobra.Command{
		Use:   "files",
		Short: "List tunnel files in the configs directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			list, errs := s.mgr.ConfigFiles()
			for _, err := range errs {
				fmt.Fprintf(os.Stderr, "skipped: %v\n", err)
			}
			if jsonOut {
				return writeJSON(list)
			}
			if len(list) == 0 {
				dir, _ := appconfig.ConfigsDir()
				fmt.Printf("no tunnel files in %s\n", dir)
				return nil
			}
			fmt.Printf("%s %s %s %s\n", util.PadRight("NAME", 24), util.PadRight("TUNNELS", 8), util.PadRight("SIZE", 10), "MODIFIED")
			for _, fi := range list {
				fmt.Printf("%s %s %s %s\n",
					util.PadRight(util.Truncate(fi.Name, 24), 24),
					util.PadRight(fmt.Sprint(fi.TunnelCount), 8),
					util.PadRight(formatSize(fi.Size), 10),
					humanize.Time(fi.ModTime))
			}
			return nil
		},
	}
	files.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	root.AddCommand(load, merge, export, info, files)
	return root
}
