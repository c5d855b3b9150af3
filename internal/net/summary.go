package net

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Summary prints a summary of the network architecture for an h×w input.
func (t *TransformNet) Summary(w io.Writer, h, wd int) error {
	var data [][]string
	c := 3
	total := 0
	for _, l := range t.Layers() {
		var err error
		if c, h, wd, err = l.OutShape(c, h, wd); err != nil {
			return err
		}
		lType := fmt.Sprintf("%T", l)
		// Extract simple type name
		if i := strings.LastIndexByte(lType, '.'); i >= 0 {
			lType = lType[i+1:]
		}
		params := 0
		for _, p := range l.Params() {
			params += p.Len()
		}
		total += params
		data = append(data, []string{l.Name(), lType, fmt.Sprintf("(%d, %d, %d)", c, h, wd), strconv.Itoa(params)})
	}

	fmt.Fprintf(w, "Model: %s\n", t.Arch())
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LAYER", "TYPE", "OUTPUT SHAPE", "PARAM #"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetFooter([]string{"", "", "Total params", strconv.Itoa(total)})
	table.AppendBulk(data)
	table.Render()
	return nil
}
