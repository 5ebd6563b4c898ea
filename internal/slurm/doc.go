// Package slurm is the thin scheduler adapter: it renders sbatch/squeue/sacct/scancel
// command lines and parses their output. It performs no I/O.
//
// Ownership boundary:
// - command syntax for submit, batched queue query, accounting query, cancel
// - job id parsing from the submit acknowledgment
// - mapping of scheduler state names onto registry.State
package slurm
