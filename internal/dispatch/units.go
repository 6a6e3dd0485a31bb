package dispatch

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/census-loader/internal/db"
)

// SQLUnit executes one statement on a pooled connection.
type SQLUnit struct {
	Label string
	Pool  db.Pool
	SQL   string
}

// Name implements Unit.
func (u SQLUnit) Name() string { return u.Label }

// Run implements Unit.
func (u SQLUnit) Run(ctx context.Context) error {
	if _, err := u.Pool.Exec(ctx, u.SQL); err != nil {
		return eris.Wrapf(err, "dispatch: exec %s", u.Label)
	}
	return nil
}

// SQLUnits wraps each statement in a SQLUnit labelled label[i].
func SQLUnits(pool db.Pool, label string, statements []string) []Unit {
	units := make([]Unit, len(statements))
	for i, sql := range statements {
		units[i] = SQLUnit{Label: label + "#" + strconv.Itoa(i), Pool: pool, SQL: sql}
	}
	return units
}

// CommandUnit runs an external program.
type CommandUnit struct {
	Label string
	Path  string
	Args  []string
	Env   []string
}

// Name implements Unit.
func (u CommandUnit) Name() string { return u.Label }

// Run implements Unit. Stderr is included in the returned error.
func (u CommandUnit) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, u.Path, u.Args...)
	if len(u.Env) > 0 {
		cmd.Env = append(cmd.Environ(), u.Env...)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return eris.Wrapf(err, "dispatch: %s failed: %s", u.Label, stderr.String())
	}
	return nil
}

// FuncUnit adapts a function to Unit.
type FuncUnit struct {
	Label string
	Fn    func(ctx context.Context) error
}

// Name implements Unit.
func (u FuncUnit) Name() string { return u.Label }

// Run implements Unit.
func (u FuncUnit) Run(ctx context.Context) error { return u.Fn(ctx) }
