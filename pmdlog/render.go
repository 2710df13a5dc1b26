package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/itohio/gopmd/pkg/pmd"
	"github.com/itohio/gopmd/pkg/sample"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(lipgloss.Color("240"))

	cellStyle = lipgloss.NewStyle().
			PaddingRight(2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(16)
)

const (
	nameWidth  = 8
	valueWidth = 12
)

// renderRails renders the onboard sensor block as a table.
func renderRails(rails []sample.Rail) string {
	var b strings.Builder
	header := fmt.Sprintf("%-*s %*s %*s %*s",
		nameWidth, "Rail",
		valueWidth, "Voltage",
		valueWidth, "Current",
		valueWidth, "Power")
	b.WriteString(headerStyle.Render(header))
	b.WriteByte('\n')

	var total float64
	for _, r := range rails {
		row := fmt.Sprintf("%-*s %*s %*s %*s",
			nameWidth, r.Name,
			valueWidth, fmt.Sprintf("%.2f V", r.Voltage),
			valueWidth, fmt.Sprintf("%.1f A", r.Current),
			valueWidth, fmt.Sprintf("%.0f W", r.Power))
		b.WriteString(cellStyle.Render(row))
		b.WriteByte('\n')
		total += r.Power
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("%-*s %*s", nameWidth, "Total", 3*valueWidth+2, fmt.Sprintf("%.0f W", total))))
	b.WriteByte('\n')
	return b.String()
}

// renderValues renders one converted frame channel by channel.
func renderValues(v sample.Values) string {
	var b strings.Builder
	for i, name := range sample.ChannelNames {
		unit := "V"
		if i%2 == 1 {
			unit = "A"
		}
		b.WriteString(labelStyle.Render(name))
		b.WriteString(fmt.Sprintf("%8.3f %s\n", v[i], unit))
	}
	return b.String()
}

// renderDevice renders the identity and configuration read at initialization.
func renderDevice(id pmd.Identity, cfg pmd.ConfigSnapshot) string {
	var b strings.Builder
	field := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteByte('\n')
	}

	b.WriteString(titleStyle.Render("ElmorLabs PMD-USB"))
	b.WriteByte('\n')
	field("Vendor", fmt.Sprintf("0x%02X", id.Vendor))
	field("Product", fmt.Sprintf("0x%02X", id.Product))
	field("Firmware", fmt.Sprintf("%d", id.Firmware))
	field("Config layout", cfg.Layout.String())
	field("Config version", fmt.Sprintf("%d", cfg.Version))
	field("Averaging", fmt.Sprintf("%d", cfg.Averaging))
	field("ADC offsets", formatOffsets(cfg.AdcOffset[:]))
	if cfg.AdcGainOffset != nil {
		field("Gain offsets", formatOffsets(cfg.AdcGainOffset))
	}
	return b.String()
}

func formatOffsets(offsets []int8) string {
	parts := make([]string, len(offsets))
	for i, o := range offsets {
		parts[i] = fmt.Sprintf("%d", o)
	}
	return strings.Join(parts, " ")
}
