// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jeremyhahn/go-diskvault/pkg/rotation"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintMessage prints a simple status message
func (p *Printer) PrintMessage(msg string) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]string{"message": msg})
	}
	_, err := fmt.Fprintln(p.writer, msg)
	return err
}

// PrintError prints an error
func (p *Printer) PrintError(err error) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]string{"error": err.Error()})
	}
	_, werr := fmt.Fprintf(p.writer, "Error: %v\n", err)
	return werr
}

// PrintVolumes prints the volume list
func (p *Printer) PrintVolumes(volumes []types.EncryptedVolume) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(volumes)
	}
	if len(volumes) == 0 {
		fmt.Fprintln(p.writer, "No volumes registered")
		return nil
	}
	fmt.Fprintf(p.writer, "%-16s %-12s %-10s %-24s %s\n", "DEVICE", "NAME", "STATE", "CIPHER", "MOUNT")
	for _, vol := range volumes {
		fmt.Fprintf(p.writer, "%-16s %-12s %-10s %-24s %s\n",
			vol.Device, vol.Name, vol.State,
			fmt.Sprintf("%s/%d", vol.Cipher.Algorithm, vol.Cipher.KeySize),
			vol.MountPoint)
	}
	return nil
}

// PrintSlots prints a volume's key slot records
func (p *Printer) PrintSlots(slots []*types.KeySlot) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(slots)
	}
	if len(slots) == 0 {
		fmt.Fprintln(p.writer, "No key slots")
		return nil
	}
	fmt.Fprintf(p.writer, "%-5s %-10s %-12s %-20s %s\n", "SLOT", "PURPOSE", "CREATOR", "CREATED", "NEXT ROTATION")
	for _, slot := range slots {
		next := "-"
		if slot.ScheduledRotation != nil {
			next = slot.ScheduledRotation.Format(time.RFC3339)
		}
		fmt.Fprintf(p.writer, "%-5d %-10s %-12s %-20s %s\n",
			slot.Slot, slot.Purpose, slot.Creator,
			slot.Created.Format(time.RFC3339), next)
	}
	return nil
}

// PrintBackups prints a volume's header backups
func (p *Printer) PrintBackups(backups []*types.HeaderBackup) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(backups)
	}
	if len(backups) == 0 {
		fmt.Fprintln(p.writer, "No header backups")
		return nil
	}
	fmt.Fprintf(p.writer, "%-22s %-20s %s\n", "ID", "CREATED", "FORMAT")
	for _, b := range backups {
		fmt.Fprintf(p.writer, "%-22s %-20s v%d\n",
			b.ID, b.Created.Format(time.RFC3339), b.FormatVersion)
	}
	return nil
}

// PrintPendingRotations prints queued rotations
func (p *Printer) PrintPendingRotations(pending []*rotation.PendingRotation) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(pending)
	}
	if len(pending) == 0 {
		fmt.Fprintln(p.writer, "No pending rotations")
		return nil
	}
	fmt.Fprintf(p.writer, "%-38s %-16s %-5s %-10s %-22s %s\n",
		"ID", "DEVICE", "SLOT", "REASON", "NOT BEFORE", "APPROVAL")
	for _, req := range pending {
		approval := "not required"
		if req.NeedsApproval {
			if req.ApprovedBy != "" {
				approval = "approved by " + req.ApprovedBy
			} else {
				approval = "awaiting approval"
			}
		}
		fmt.Fprintf(p.writer, "%-38s %-16s %-5d %-10s %-22s %s\n",
			req.ID, req.Device, req.Slot, req.Reason,
			req.NotBefore.Format(time.RFC3339), approval)
	}
	return nil
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
