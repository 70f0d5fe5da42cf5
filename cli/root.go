package main

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/niqiuqiux/soload"
)

// DynTag values not exported by debug/elf: the generic-ABI SHT_RELR
// tag and Android's packed-relocation extensions.
const (
	elfDT_RELRSZ         elf.DynTag = 35
	elfDT_ANDROID_RELSZ  elf.DynTag = 0x60000010
	elfDT_ANDROID_RELASZ elf.DynTag = 0x60000012
)

var rootCmd = &cobra.Command{
	Use:          "soload",
	Short:        "Load AArch64 shared objects without the host dynamic loader",
	SilenceUsage: true,
}

var (
	callExport string
	symbolName string
	abandon    bool
)

var runCmd = &cobra.Command{
	Use:   "run <shared library>",
	Short: "Map, link and exercise a shared library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		soload.SetProcessArgs(os.Args, os.Environ())

		var loader soload.Loader
		if err := loader.Load(args[0]); err != nil {
			return err
		}

		if symbolName != "" {
			addr, err := loader.Symbol(symbolName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = 0x%x\n", symbolName, addr)
		}

		if callExport != "" {
			ret, err := loader.Call0(callExport)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s() = 0x%x\n", callExport, ret)
		}

		if abandon {
			return loader.Abandon()
		}
		return loader.Unload()
	},
}

// inspectSummary is what `soload inspect` dumps; offline, so it reads
// the file with debug/elf instead of mapping it.
type inspectSummary struct {
	Path         string
	Type         string
	Machine      string
	Needed       []string
	HasTLS       bool
	HasGnuHash   bool
	HasSysvHash  bool
	HasEhFrame   bool
	DynamicTags  map[string]uint64
	DynSymbols   int
	InitArraySz  uint64
	FiniArraySz  uint64
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <shared library>",
	Short: "Summarize an ELF shared object's loader-relevant structure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := elf.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		summary := inspectSummary{
			Path:        args[0],
			Type:        f.Type.String(),
			Machine:     f.Machine.String(),
			DynamicTags: make(map[string]uint64),
		}
		summary.Needed, _ = f.ImportedLibraries()
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_TLS {
				summary.HasTLS = true
			}
		}
		summary.HasGnuHash = f.SectionByType(elf.SHT_GNU_HASH) != nil
		summary.HasSysvHash = f.SectionByType(elf.SHT_HASH) != nil
		summary.HasEhFrame = f.Section(".eh_frame") != nil

		if syms, err := f.DynamicSymbols(); err == nil {
			summary.DynSymbols = len(syms)
		}
		for _, tag := range []elf.DynTag{
			elf.DT_RELASZ, elf.DT_RELSZ, elfDT_RELRSZ, elf.DT_PLTRELSZ,
			elfDT_ANDROID_RELASZ, elfDT_ANDROID_RELSZ,
			elf.DT_INIT_ARRAYSZ, elf.DT_FINI_ARRAYSZ,
		} {
			if vals, err := f.DynValue(tag); err == nil && len(vals) > 0 {
				summary.DynamicTags[tag.String()] = vals[0]
			}
		}
		summary.InitArraySz = summary.DynamicTags[elf.DT_INIT_ARRAYSZ.String()]
		summary.FiniArraySz = summary.DynamicTags[elf.DT_FINI_ARRAYSZ.String()]

		spew.Fdump(cmd.OutOrStdout(), summary)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&callExport, "call-export", "", "Zero-argument export to call after linking")
	runCmd.Flags().StringVar(&symbolName, "symbol", "", "Symbol to resolve and print")
	runCmd.Flags().BoolVar(&abandon, "abandon", false, "Leave the mapping resident instead of unloading")
	rootCmd.AddCommand(runCmd, inspectCmd)
}
