// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/gomlx/netmerge/pkg/ml/runtime"
	"github.com/gomlx/netmerge/pkg/ml/snapshot"
	"github.com/gomlx/netmerge/pkg/ml/solver"
	"github.com/gomlx/netmerge/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

type trainFlags struct {
	solverPath, phase, settings  string
	storeDir, initName, saveName string
	steps, evalSteps             int
	progress                     bool
}

func newTrainCmd() *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train --solver FILE [flags]",
		Short: "Train the network of a solver definition with the reference runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			commandline.Output = cmd.OutOrStdout()
			return train(f)
		},
	}
	f.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("solver")
	return cmd
}

// register defines the flags of the train command in flags.
func (f *trainFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.solverPath, "solver", "", "Solver definition, with the network to train and the hyperparameters.")
	flags.IntVar(&f.steps, "steps", 0, "Number of training steps. Defaults to the solver's max_iter.")
	flags.StringVar(&f.phase, "phase", netdef.PhaseTrain.String(), "Phase in which to instantiate the network.")
	flags.StringVar(&f.settings, "set", "",
		"Overrides solver fields, e.g. \"base_lr=0.1;momentum=0.9\". Use \"file:<path>\" to read them from a file.")
	flags.StringVar(&f.storeDir, "store", "", "Directory of the snapshot store, required by --init and --save.")
	flags.StringVar(&f.initName, "init", "", "Name of the snapshot to initialize the parameters from.")
	flags.StringVar(&f.saveName, "save", "", "Name under which to save the trained parameters.")
	flags.IntVar(&f.evalSteps, "eval-steps", 0, "If > 0, evaluate the trained parameters on the TEST phase for this many steps.")
	flags.BoolVar(&f.progress, "progress", false, "Display a progress bar.")
}

func train(f *trainFlags) error {
	s, err := solver.Load(f.solverPath)
	if err != nil {
		return err
	}
	if f.settings != "" {
		paramsSet, err := commandline.ParseSolverSettings(s, f.settings)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Solver settings changed:\n%s", commandline.SprintModifiedSolverSettings(s, paramsSet))
	}
	if ignored := s.IgnoredFields(); len(ignored) > 0 {
		klog.Warningf("Solver %q: fields %q are not supported and are ignored", f.solverPath, ignored)
	}
	steps := f.steps
	if steps <= 0 {
		steps = s.MaxIter
	}
	if steps <= 0 {
		return errors.Errorf("no number of steps given, use --steps or set max_iter in %q", f.solverPath)
	}
	phase, err := netdef.ParsePhase(f.phase)
	if err != nil {
		return err
	}
	g, err := netdef.ParseFile(s.NetPath())
	if err != nil {
		return err
	}
	net, err := runtime.New(g, phase, runtime.WithSeed(uint64(s.RandomSeed)))
	if err != nil {
		return err
	}

	var store *snapshot.Store
	if f.initName != "" || f.saveName != "" {
		if f.storeDir == "" {
			return errors.New("--init and --save require --store")
		}
		if store, err = snapshot.NewStore(f.storeDir); err != nil {
			return err
		}
	}
	if f.initName != "" {
		snap, err := store.Load(f.initName)
		if err != nil {
			return err
		}
		if err = net.Restore(snap); err != nil {
			return errors.WithMessagef(err, "failed to initialize from snapshot %q", f.initName)
		}
	}

	loop := runtime.NewLoop(runtime.NewTrainer(net, s))
	if s.Display > 0 {
		runtime.EveryNSteps(loop, s.Display, "display", 0, func(loop *runtime.Loop, loss float64) error {
			klog.Infof("step %s: loss=%g, lr=%g", humanize.Comma(int64(loop.LoopStep)), loss,
				s.LearningRate(loop.LoopStep))
			return nil
		})
	}
	if f.progress {
		commandline.AttachProgressBar(loop, func() (string, string) { return "Network", g.Name })
	}
	loss, err := loop.RunSteps(steps)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(commandline.Output, "%s: trained %s steps, last loss %.6g\n", net, humanize.Comma(int64(steps)), loss)

	trained := net.Snapshot()
	if f.saveName != "" {
		if err = store.Save(f.saveName, trained); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(commandline.Output, "Saved %s values of %d operations as %q in %s\n",
			humanize.Comma(int64(trained.NumValues())), trained.Len(), f.saveName, store)
	}
	if f.evalSteps > 0 {
		testNet, err := runtime.New(g, netdef.PhaseTest, runtime.WithSeed(uint64(s.RandomSeed)))
		if err != nil {
			return err
		}
		testParams, err := trained.Select(testNet.ParamOperations()...)
		if err != nil {
			return err
		}
		if err = testNet.Restore(testParams); err != nil {
			return err
		}
		if _, err = commandline.ReportEval(testNet, f.evalSteps); err != nil {
			return err
		}
	}
	return nil
}
