// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/netmerge/pkg/ml/runtime"
	"github.com/pkg/errors"
)

// ReportEval runs the forward pass of net (typically built for the TEST phase) for the given number of
// steps, prints the mean loss to Output and returns it.
func ReportEval(net *runtime.Net, steps int) (meanLoss float64, err error) {
	if steps <= 0 {
		return 0, errors.Errorf("ReportEval(%s): steps must be > 0, got %d", net, steps)
	}
	var sum float64
	for step := range steps {
		loss, err := net.Forward(step)
		if err != nil {
			return 0, err
		}
		sum += loss
	}
	meanLoss = sum / float64(steps)
	_, _ = fmt.Fprintf(Output, "Results on %s (%s steps):\n\tloss: %.6g\n",
		net.Phase(), humanize.Comma(int64(steps)), meanLoss)
	return meanLoss, nil
}
