package firmware

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/protectedvm/fdtkit/fdt"
)

// Kernel command line handling for non-debuggable VMs. Only an allow-list of
// arguments survives, and most of those only with specific values, so a
// compromised host cannot weaken the guest by feeding it debug switches.

// BootArg is one name=value token of the command line. Value keeps its
// leading '=' so empty-valued and valueless arguments stay distinguishable
// when the line is rebuilt.
type BootArg struct {
	raw string
	eq  int // index of '=', or -1
}

// Name returns the argument name, the part before any '='.
func (a BootArg) Name() string {
	if a.eq < 0 {
		return a.raw
	}
	return a.raw[:a.eq]
}

// Value returns the argument value including the leading '=', or the empty
// string for a valueless argument.
func (a BootArg) Value() string {
	if a.eq < 0 {
		return ""
	}
	return a.raw[a.eq:]
}

func (a BootArg) String() string { return a.raw }

// parseBootArgs tokenizes a kernel command line. Tokens split on runs of
// spaces; a double-quoted section keeps its spaces. An unterminated quote is
// an error.
func parseBootArgs(s string) ([]BootArg, error) {
	var args []BootArg
	i := 0
	for i < len(s) {
		if s[i] == ' ' {
			i++
			continue
		}
		start := i
		inQuote := false
		for i < len(s) && (inQuote || s[i] != ' ') {
			if s[i] == '"' {
				inQuote = !inQuote
			}
			i++
		}
		if inQuote {
			return nil, errors.Wrap(fdt.ErrBadValue, "unterminated quote in bootargs")
		}
		raw := s[start:i]
		args = append(args, BootArg{raw: raw, eq: strings.IndexByte(raw, '=')})
	}
	return args, nil
}

// hasCommonDebugPolicy reports whether the given debug policy flag is set to
// 1 under /avf/guest/common. A missing node or property means the policy is
// off.
func hasCommonDebugPolicy(t *fdt.Tree, policy string) (bool, error) {
	node, err := t.Node("/avf/guest/common")
	if errors.Is(err, fdt.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v, err := node.PropU32(policy)
	if errors.Is(err, fdt.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// filterBootArgs keeps the arguments a non-debuggable VM is allowed to pass
// through: panic reboots disabled, plus crashkernel and console when the
// corresponding debug policies enable them.
func filterBootArgs(t *fdt.Tree, args []BootArg) ([]BootArg, error) {
	ramdump, err := hasCommonDebugPolicy(t, "ramdump")
	if err != nil {
		return nil, errors.Wrap(err, "reading ramdump debug policy")
	}
	logPolicy, err := hasCommonDebugPolicy(t, "log")
	if err != nil {
		return nil, errors.Wrap(err, "reading log debug policy")
	}

	kept := make([]BootArg, 0, len(args))
	for _, a := range args {
		switch a.Name() {
		case "panic":
			// Only the exact "reboot immediately on panic" form.
			if a.Value() == "=-1" {
				kept = append(kept, a)
			}
		case "crashkernel":
			if ramdump {
				kept = append(kept, a)
			}
		case "console":
			if logPolicy {
				kept = append(kept, a)
			}
		}
	}
	return kept, nil
}

// sanitizeBootargs rewrites /chosen bootargs with the filtered argument
// list. An absent bootargs property is left absent.
func sanitizeBootargs(t *fdt.Tree) error {
	chosen, err := t.ChosenMut()
	if errors.Is(err, fdt.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "locating /chosen")
	}
	raw, err := chosen.PropString("bootargs")
	if errors.Is(err, fdt.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading bootargs")
	}

	args, err := parseBootArgs(raw)
	if err != nil {
		return err
	}
	kept, err := filterBootArgs(t, args)
	if err != nil {
		return err
	}

	parts := make([]string, len(kept))
	for i, a := range kept {
		parts[i] = a.String()
	}
	return errors.Wrap(
		chosen.SetPropString("bootargs", strings.Join(parts, " ")),
		"rewriting bootargs")
}
