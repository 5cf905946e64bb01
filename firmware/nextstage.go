package firmware

import (
	goerrors "errors"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/protectedvm/fdtkit/fdt"
)

// NextStageConfig describes the per-boot state handed to the next boot
// stage through the device tree.
type NextStageConfig struct {
	// DiceRange is the reserved-memory window holding the trust chain
	// handover buffer.
	DiceRange fdt.Range
	// StrictBoot and NewInstance toggle the corresponding empty marker
	// properties under /chosen.
	StrictBoot  bool
	NewInstance bool
	// DebugPolicy is an optional overlay blob loosening restrictions for
	// debuggable deployments. A corrupt or inapplicable policy is skipped
	// with a warning, never fatal.
	DebugPolicy []byte
	// Debuggable gates the kernel command line filtering: non-debuggable
	// VMs only keep allow-listed arguments.
	Debuggable bool
	// KaslrSeed is the fresh randomness for the guest kernel.
	KaslrSeed uint64
}

// ModifyForNextStage applies the per-boot state to a sanitized tree and
// packs it for handover.
func ModifyForNextStage(t *fdt.Tree, cfg NextStageConfig) error {
	if len(cfg.DebugPolicy) > 0 {
		if err := applyDebugPolicy(t, cfg.DebugPolicy); err != nil {
			return err
		}
	} else if err := t.Unpack(); err != nil {
		return errors.Wrap(err, "unpacking for next stage")
	}

	if err := patchDiceNode(t, cfg.DiceRange); err != nil {
		return errors.Wrap(err, "patching DICE node")
	}

	chosen, err := t.ChosenMut()
	if err != nil {
		return errors.Wrap(err, "locating /chosen")
	}
	if err := setMarkerProp(&chosen, "avf,strict-boot", cfg.StrictBoot); err != nil {
		return err
	}
	if err := setMarkerProp(&chosen, "avf,new-instance", cfg.NewInstance); err != nil {
		return err
	}
	if err := chosen.SetPropInplaceU64("kaslr-seed", cfg.KaslrSeed); err != nil {
		return errors.Wrap(err, "setting kaslr-seed")
	}

	if !cfg.Debuggable {
		if err := sanitizeBootargs(t); err != nil {
			return err
		}
	}

	return errors.Wrap(t.Pack(), "packing for next stage")
}

// applyDebugPolicy overlays the debug policy onto the tree. The policy is
// best-effort: a corrupt blob is skipped, and an overlay failure restores
// the tree from a snapshot, since applying corrupts both trees when it
// fails partway.
func applyDebugPolicy(t *fdt.Tree, policy []byte) error {
	backup := append([]byte(nil), t.Bytes()...)
	if err := t.Unpack(); err != nil {
		return errors.Wrap(err, "unpacking for debug policy")
	}

	// ApplyOverlay consumes its argument, so work on a copy.
	overlay, err := fdt.FromSlice(append([]byte(nil), policy...))
	if err != nil {
		log.Warnf("Corrupted debug policy found: %v. Not applying.", err)
		return nil
	}
	if err := t.ApplyOverlay(overlay); err != nil {
		log.Warnf("Failed to apply debug policy: %v. Recovering...", err)
		if err := t.CopyFromSlice(backup); err != nil {
			return errors.Wrap(err, "restoring tree after debug policy failure")
		}
		return errors.Wrap(t.Unpack(), "unpacking restored tree")
	}
	log.Info("Debug policy applied.")
	return nil
}

// patchDiceNode writes the trust chain buffer placement into the open-dice
// reserved-memory region.
func patchDiceNode(t *fdt.Tree, r fdt.Range) error {
	resv, err := t.Node("/reserved-memory")
	if err != nil {
		return errors.Wrap(err, "locating /reserved-memory")
	}
	node, err := resv.NextCompatible(diceCompatible)
	if err != nil {
		return errors.Wrap(err, "locating DICE node")
	}
	mut := node.Mut()
	return mut.SetPropAddrRangeInplace("reg", r.Start, r.Len())
}

// setMarkerProp makes the empty property present or absent. Deleting an
// already absent marker is not an error.
func setMarkerProp(n *fdt.NodeMut, name string, present bool) error {
	if present {
		return errors.Wrapf(n.SetPropEmpty(name), "setting %s", name)
	}
	if err := n.DelProp(name); err != nil && !goerrors.Is(err, fdt.ErrNotFound) {
		return errors.Wrapf(err, "deleting %s", name)
	}
	return nil
}
