// Package main contains the cli implementation of the tool. It uses cobra
// package for cli tool implementation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"blockjoin/internal/buffer"
	"blockjoin/internal/coordinator"
	"blockjoin/internal/fixture"
	"blockjoin/internal/output"
	"blockjoin/internal/querytree"
	"blockjoin/internal/record"
	"blockjoin/internal/scan"
	"blockjoin/internal/schema"
	"blockjoin/internal/semijoin"
	"blockjoin/internal/storage/memory"
)

type runFlags struct {
	scenario string
	format   string
	budget   int
}

type explainFlags struct {
	scenario string
	format   string
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "blockjoin",
		Short: "Block-based nested-loop join engine",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(explainStrategyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a join scenario loaded from a TOML fixture",
		RunE: func(_ *cobra.Command, _ []string) error {
			return doRun(flags)
		},
	}
	cmd.Flags().StringVarP(&flags.scenario, "scenario", "s", "", "Path to the TOML scenario file (required)")
	cmd.Flags().StringVarP(&flags.format, "format", "f", "", "Output format: text or json")
	cmd.Flags().IntVarP(&flags.budget, "buffer", "b", 0, "Per-stage join buffer budget in bytes (defaults to the scenario's)")
	return cmd
}

func planCmd() *cobra.Command {
	flags := &explainFlags{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Flatten a scenario's IN (subquery) nest and print the resulting join order",
		Long: `Treats every table flagged "semijoin_inner = true" as the body of a single
IN (subquery) and every other table as the outer query, runs the semi-join
flattener, and prints the FROM-order it produces.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return doPlan(flags)
		},
	}
	cmd.Flags().StringVarP(&flags.scenario, "scenario", "s", "", "Path to the TOML scenario file (required)")
	cmd.Flags().StringVarP(&flags.format, "format", "f", "", "Output format: text or json")
	return cmd
}

func doPlan(flags *explainFlags) error {
	if flags.scenario == "" {
		return fmt.Errorf("--scenario is required")
	}

	sc, err := fixture.Load(flags.scenario)
	if err != nil {
		return fmt.Errorf("failed to load scenario: %w", err)
	}

	var outerLeaves, innerLeaves []*querytree.Node
	var outerExpr, innerRef string
	for _, tf := range sc.Tables {
		leaf := querytree.NewLeaf(tf.Table.Name)
		if tf.SemiJoinInner {
			innerLeaves = append(innerLeaves, leaf)
			if tf.JoinOn != "" && outerExpr == "" {
				outerExpr, innerRef, err = parseJoinOn(tf.JoinOn)
				if err != nil {
					return err
				}
			}
			continue
		}
		outerLeaves = append(outerLeaves, leaf)
	}
	if len(innerLeaves) == 0 {
		return fmt.Errorf("scenario %q has no tables marked semijoin_inner", sc.Name)
	}

	root := querytree.NewNest(outerLeaves...)
	sub := &semijoin.Subquery{
		Name:                      sc.Name + "_in",
		OuterExprs:                []string{outerExpr},
		InnerRefs:                 []string{innerRef},
		InnerTables:               querytree.NewNest(innerLeaves...),
		ParentAttachPoint:         root,
		OptimizerSwitchSemiJoinOn: true,
		AtAndTopLevel:             true,
		ParentHasFromList:         true,
		ChildHasFromList:         true,
	}

	f := semijoin.NewFlattener(len(outerLeaves) + len(innerLeaves) + 1)
	converted, err := f.Flatten(root, len(outerLeaves), []*semijoin.Subquery{sub})
	if err != nil {
		return fmt.Errorf("flatten failed: %w", err)
	}
	querytree.Renumber(root)

	var joinOrder []string
	for _, leaf := range root.Leaves() {
		joinOrder = append(joinOrder, leaf.Table)
	}

	if strings.EqualFold(strings.TrimSpace(flags.format), string(output.FormatJSON)) {
		b, err := json.MarshalIndent(struct {
			Flattened int      `json:"flattened"`
			JoinOrder []string `json:"joinOrder"`
		}{Flattened: len(converted), JoinOrder: joinOrder}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	fmt.Printf("flattened %d of 1 candidate subquery\n", len(converted))
	fmt.Printf("join order: %s\n", strings.Join(joinOrder, " "))
	return nil
}

func explainStrategyCmd() *cobra.Command {
	flags := &explainFlags{}
	cmd := &cobra.Command{
		Use:   "explain-strategy",
		Short: "Show the semi-join strategy the planner would choose for a scenario",
		Long: `Treats every table flagged "semijoin_inner = true" in the scenario as one
flattened IN (subquery) nest and walks the scenario's table order through the
semi-join planner, printing the finalized strategy ranges.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return doExplainStrategy(flags)
		},
	}
	cmd.Flags().StringVarP(&flags.scenario, "scenario", "s", "", "Path to the TOML scenario file (required)")
	cmd.Flags().StringVarP(&flags.format, "format", "f", "", "Output format: text or json")
	return cmd
}

func doRun(flags *runFlags) error {
	if flags.scenario == "" {
		return fmt.Errorf("--scenario is required")
	}

	sc, err := fixture.Load(flags.scenario)
	if err != nil {
		return fmt.Errorf("failed to load scenario: %w", err)
	}
	if len(sc.Tables) == 0 {
		return fmt.Errorf("scenario %q has no tables", sc.Name)
	}

	budget := flags.budget
	if budget <= 0 {
		budget = sc.BufferBudget
	}
	if budget <= 0 {
		budget = 65536
	}

	stages, err := buildStages(sc, budget)
	if err != nil {
		return err
	}

	var rowsEmitted int
	co := coordinator.New(stages, func(buffer.DrivingRow) error {
		rowsEmitted++
		return nil
	})

	driver := sc.Tables[0]
	driverName := driver.Table.Name
	idx := 0
	exhausted := false
	driverFn := func() (buffer.DrivingRow, int, bool, error) {
		if idx >= len(driver.Rows) {
			exhausted = true
			return nil, -1, false, nil
		}
		row := driver.Rows[idx]
		idx++
		return buffer.DrivingRow{driverName: row}, -1, true, nil
	}

	ctx := context.Background()
	for {
		if err := co.FillBuffer(0, driverFn); err != nil {
			return fmt.Errorf("failed to fill buffer: %w", err)
		}
		if err := co.JoinRecords(ctx, 0, false); err != nil {
			return fmt.Errorf("join failed: %w", err)
		}
		if exhausted {
			break
		}
	}

	result := &output.RunResult{
		ScenarioName: sc.Name,
		AccessMethod: string(sc.AccessMethod),
		RowsEmitted:  rowsEmitted,
	}
	for _, st := range stages {
		result.Stages = append(result.Stages, output.StageStat{
			Name:          st.Name,
			BufferRecords: st.Buf.RecordCount(),
			BufferBytes:   st.Buf.Layout().PackLength * st.Buf.RecordCount(),
		})
	}

	formatter, err := output.NewFormatter(flags.format)
	if err != nil {
		return err
	}
	formatted, err := formatter.FormatRun(result)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(formatted)
	return nil
}

// buildStages builds one coordinator.Stage per table after the driving
// table, in scenario order, joining each against an equality predicate
// parsed from its JoinOn field.
func buildStages(sc *fixture.Scenario, budget int) ([]*coordinator.Stage, error) {
	driverTable := sc.Tables[0].Table
	accumulated := []*schema.Table{driverTable}
	neededCols := map[string][]string{driverTable.Name: columnNames(driverTable)}

	// lastSJInner is the last table marked semijoin_inner: the point at
	// which the flattened IN (subquery) nest finishes and any duplicate
	// matches it produced for one driving row must be weeded down to one
	// (spec §4.8 DuplicateWeedout).
	lastSJInner := -1
	for i, tf := range sc.Tables {
		if tf.SemiJoinInner {
			lastSJInner = i
		}
	}
	var weedout *semijoin.DupsWeedoutTable
	if lastSJInner > 0 {
		weedout = semijoin.NewDupsWeedoutTable(memory.NewTable(sc.Name+"_sj_weedout", nil), false)
	}

	var stages []*coordinator.Stage
	for i := 1; i < len(sc.Tables); i++ {
		tf := sc.Tables[i]
		leftTable := sc.Tables[i-1].Table.Name

		leftCol, rightCol, err := parseJoinOn(tf.JoinOn)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", tf.Table.Name, err)
		}

		layout, err := record.Build(accumulated, neededCols, true)
		if err != nil {
			return nil, fmt.Errorf("building layout up to %q: %w", tf.Table.Name, err)
		}

		var buf buffer.Buffer
		var hashed *buffer.HashedJoinBuffer
		switch sc.AccessMethod {
		case coordinator.BNL:
			buf = buffer.New(layout, budget)
		case coordinator.BNLH:
			fc := fieldOf(layout, leftTable, leftCol)
			if fc == nil {
				return nil, fmt.Errorf("table %q: join column %s.%s is not in the buffered layout", tf.Table.Name, leftTable, leftCol)
			}
			hb := buffer.NewHashed(layout, budget, buffer.KeySpec{{Field: fc}})
			buf, hashed = hb, hb
		case coordinator.BKA, coordinator.BKAH:
			return nil, fmt.Errorf("access method %q needs a multi-range-read key source the CLI does not build from fixtures yet; use bnl or bnlh", sc.AccessMethod)
		default:
			return nil, fmt.Errorf("unsupported access method %q", sc.AccessMethod)
		}

		rightHandler := memory.NewTable(tf.Table.Name, tf.Rows, rightCol)
		rightName := tf.Table.Name

		st := &coordinator.Stage{
			Name:              fmt.Sprintf("%s_x_%s", leftTable, rightName),
			Buf:               buf,
			Hashed:            hashed,
			Access:            sc.AccessMethod,
			RightTable:        rightName,
			IsOuterFirstInner: tf.Table.Outer,
			Predicates: []coordinator.Predicate{
				equiJoinPredicate(leftTable, leftCol, rightName, rightCol),
			},
			NewScanner: func() (scan.Scanner, error) {
				return scan.New(scan.FullScan, rightHandler, nil, nil)
			},
		}
		if hashed != nil {
			st.ProbeKey = func(rightRow map[string]any) buffer.DrivingRow {
				return buffer.DrivingRow{leftTable: schema.Row{leftCol: rightRow[rightCol]}}
			}
		}
		if weedout != nil && i == lastSJInner {
			driverName := driverTable.Name
			driverCols := columnNames(driverTable)
			st.Weedout = weedout
			st.WeedoutTuple = func(dr buffer.DrivingRow) schema.Row {
				tuple := make(schema.Row, len(driverCols))
				row := dr[driverName]
				for _, c := range driverCols {
					if row != nil {
						tuple[c] = row[c]
					}
				}
				return tuple
			}
		}

		stages = append(stages, st)
		accumulated = append(accumulated, tf.Table)
		neededCols[tf.Table.Name] = columnNames(tf.Table)
	}

	return stages, nil
}

func equiJoinPredicate(leftTable, leftCol, rightTable, rightCol string) coordinator.Predicate {
	return func(dr buffer.DrivingRow) bool {
		right := dr[rightTable]
		if right == nil {
			return true // null-complement candidate: already known unmatched
		}
		left := dr[leftTable]
		if left == nil {
			return false
		}
		return fmt.Sprint(left[leftCol]) == fmt.Sprint(right[rightCol])
	}
}

func columnNames(t *schema.Table) []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func fieldOf(l *record.Layout, table, col string) *record.FieldCopy {
	for _, fc := range l.Fields {
		if fc.Table == table && fc.Name == col {
			return fc
		}
	}
	return nil
}

func parseJoinOn(expr string) (left, right string, err error) {
	parts := strings.SplitN(expr, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("join_on %q must be of the form leftCol=rightCol", expr)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func doExplainStrategy(flags *explainFlags) error {
	if flags.scenario == "" {
		return fmt.Errorf("--scenario is required")
	}

	sc, err := fixture.Load(flags.scenario)
	if err != nil {
		return fmt.Errorf("failed to load scenario: %w", err)
	}

	var innerBitmap uint64
	for i, tf := range sc.Tables {
		if tf.SemiJoinInner {
			innerBitmap |= 1 << uint(i)
		}
	}
	if innerBitmap == 0 {
		return fmt.Errorf("scenario %q has no tables marked semijoin_inner", sc.Name)
	}
	nest := &semijoin.SJNestRef{
		InnerTables: innerBitmap,
		DependsOn:   innerBitmap,
		InExprCount: 1,
	}

	pos := semijoin.NewPosition()
	var positions []semijoin.Position
	var prefix uint64
	var innerRowProduct float64 = 1

	for i, tf := range sc.Tables {
		bit := uint64(1) << uint(i)
		tc := semijoin.TableContext{
			TableBitmap: bit,
			PrefixRows:  innerRowProduct,
		}
		if tf.SemiJoinInner {
			tc.Nest = nest
			tc.IsSJInner = true
			tc.MaterializeCost = float64(len(tf.Rows))
			tc.LookupCost = 1
			tc.ScanCost = float64(len(tf.Rows))
			tc.InnerFanout = float64(len(tf.Rows))
			tc.RemainingAccess = 1
			tc.WriteCost = float64(len(tf.Rows))
			tc.PerTupleLookup = 1
		}
		pos = semijoin.Advance(pos, prefix, tc)
		positions = append(positions, pos)
		prefix |= bit
		innerRowProduct *= float64(max(len(tf.Rows), 1))
	}

	ranges := semijoin.Finalize(positions)

	formatter, err := output.NewFormatter(flags.format)
	if err != nil {
		return err
	}
	formatted, err := formatter.FormatPlan(ranges)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(formatted)
	return nil
}
