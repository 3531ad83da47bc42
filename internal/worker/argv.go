package worker

import (
	"strconv"

	"github.com/hoku-research/perform/internal/experiment"
	"github.com/hoku-research/perform/internal/partition"
)

// Argument tokens replaced in place when they appear as a whole fixed
// argument.
const (
	StoreToken   = "{store}"
	SamplesToken = "{samples}"
	SchemaToken  = "{schema}"
)

// BuildArgs returns the argument vector for one partition's child.
//
// The default order is the descriptor's fixed arguments, then the partition
// store path, then the sample count. A fixed argument equal to StoreToken or
// SamplesToken is replaced by that value instead, and the value is not
// appended again. SchemaToken expands to the kind's column definitions.
func BuildArgs(d experiment.Descriptor, p partition.Partition) []string {
	samples := strconv.Itoa(p.SampleCount)

	args := make([]string, 0, len(d.Args)+2)
	var sawStore, sawSamples bool
	for _, a := range d.Args {
		switch a {
		case StoreToken:
			args = append(args, p.StorePath)
			sawStore = true
		case SamplesToken:
			args = append(args, samples)
			sawSamples = true
		case SchemaToken:
			args = append(args, d.Kind.SchemaSQL())
		default:
			args = append(args, a)
		}
	}
	if !sawStore {
		args = append(args, p.StorePath)
	}
	if !sawSamples {
		args = append(args, samples)
	}
	return args
}
