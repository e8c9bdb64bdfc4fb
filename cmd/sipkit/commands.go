package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"sipkit/bac"
	"sipkit/catalog"
	"sipkit/core"
)

const version = "v0.1.0"

// CLI is the command tree.
type CLI struct {
	Version kong.VersionFlag `help:"Print the version."`

	BAC     BACCmd    `cmd:"" name:"bac" help:"Estimate BAC at an instant."`
	Series  SeriesCmd `cmd:"" help:"Print the BAC curve over a window."`
	Catalog struct {
		Validate CatalogValidateCmd `cmd:"" help:"Validate a badge catalog file."`
		Show     CatalogShowCmd     `cmd:"" help:"Print a badge catalog."`
	} `cmd:"" help:"Inspect badge catalogs."`
}

// Context is passed to every command's Run.
type Context struct {
	Out io.Writer
}

// DrinkerFlags describe the drinker and their drinks.
type DrinkerFlags struct {
	Weight float64  `help:"Body weight in kg." required:""`
	Gender string   `help:"Biological sex used for the distribution ratio." enum:"male,female" default:"male"`
	Drinks string   `help:"YAML or JSON file listing drinks." type:"existingfile"`
	Drink  []string `help:"Inline drink as VOLUME_ML:PERCENT@RFC3339, repeatable." short:"d"`

	// BAC constants
	MaleRatio       float64       `help:"Distribution ratio for males." default:"0.68"`
	FemaleRatio     float64       `help:"Distribution ratio for females." default:"0.55"`
	EliminationRate float64       `help:"Elimination per hour." default:"0.015"`
	Step            time.Duration `help:"Sample step." default:"10m"`
}

func (f DrinkerFlags) engine() *bac.Engine {
	return bac.New(bac.Params{
		MaleRatio:       f.MaleRatio,
		FemaleRatio:     f.FemaleRatio,
		EliminationRate: f.EliminationRate,
		Step:            f.Step,
	})
}

func (f DrinkerFlags) profile() core.Profile {
	return core.Profile{ID: "cli", WeightKg: f.Weight, Gender: core.Gender(f.Gender)}
}

// drinkLine is one drink in a drinks file.
type drinkLine struct {
	VolumeMl          float64   `json:"volume_ml" yaml:"volume_ml"`
	AlcoholPercentage float64   `json:"alcohol_percentage" yaml:"alcohol_percentage"`
	ConsumedAt        time.Time `json:"consumed_at" yaml:"consumed_at"`
}

func (f DrinkerFlags) drinks() ([]core.DrinkEntry, error) {
	var lines []drinkLine
	if f.Drinks != "" {
		loaded, err := loadDrinks(f.Drinks)
		if err != nil {
			return nil, err
		}
		lines = append(lines, loaded...)
	}
	for _, raw := range f.Drink {
		s, err := parseDrink(raw)
		if err != nil {
			return nil, err
		}
		lines = append(lines, s)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no drinks given; use --drinks or --drink")
	}
	out := make([]core.DrinkEntry, len(lines))
	for i, s := range lines {
		d := core.DrinkEntry{
			UserID:            "cli",
			SessionID:         "cli",
			VolumeMl:          s.VolumeMl,
			AlcoholPercentage: s.AlcoholPercentage,
			ConsumedAt:        s.ConsumedAt.UTC(),
		}
		if err := core.ValidateDrink(d); err != nil {
			return nil, fmt.Errorf("drink %d: %w", i+1, err)
		}
		out[i] = d
	}
	return out, nil
}

func loadDrinks(path string) ([]drinkLine, error) {
	data, err := os.ReadFile(path) // #nosec G304 - user-supplied input file
	if err != nil {
		return nil, fmt.Errorf("read drinks: %w", err)
	}
	var lines []drinkLine
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &lines)
	default:
		err = yaml.Unmarshal(data, &lines)
	}
	if err != nil {
		return nil, fmt.Errorf("parse drinks %s: %w", path, err)
	}
	return lines, nil
}

// parseDrink reads VOLUME_ML:PERCENT@RFC3339, e.g. 330:5@2026-06-12T21:00:00Z.
func parseDrink(raw string) (drinkLine, error) {
	amount, at, ok := strings.Cut(raw, "@")
	if !ok {
		return drinkLine{}, fmt.Errorf("drink %q: missing @time", raw)
	}
	vol, pct, ok := strings.Cut(amount, ":")
	if !ok {
		return drinkLine{}, fmt.Errorf("drink %q: want VOLUME_ML:PERCENT", raw)
	}
	var s drinkLine
	var err error
	if s.VolumeMl, err = strconv.ParseFloat(vol, 64); err != nil {
		return drinkLine{}, fmt.Errorf("drink %q: volume: %w", raw, err)
	}
	if s.AlcoholPercentage, err = strconv.ParseFloat(pct, 64); err != nil {
		return drinkLine{}, fmt.Errorf("drink %q: percentage: %w", raw, err)
	}
	if s.ConsumedAt, err = time.Parse(time.RFC3339, at); err != nil {
		return drinkLine{}, fmt.Errorf("drink %q: time: %w", raw, err)
	}
	return s, nil
}

type BACCmd struct {
	DrinkerFlags `embed:""`
	At           time.Time `help:"Instant to estimate at (RFC3339). Defaults to now."`
}

func (c *BACCmd) Run(ctx *Context) error {
	drinks, err := c.drinks()
	if err != nil {
		return err
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	e, p := c.engine(), c.profile()
	v, err := e.Estimate(drinks, p, at)
	if err != nil {
		return err
	}
	trend, err := e.Trend(drinks, p, at)
	if err != nil {
		return err
	}
	sober, err := e.SoberAt(drinks, p, at)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "BAC at %s: %.4f (%s)\n", at.Format(time.RFC3339), v, trend)
	if !sober.IsZero() {
		fmt.Fprintf(ctx.Out, "Sober at %s\n", sober.Format(time.RFC3339))
	}
	return nil
}

type SeriesCmd struct {
	DrinkerFlags `embed:""`
	From         time.Time `help:"Window start (RFC3339). Defaults to the first drink."`
	To           time.Time `help:"Window end (RFC3339). Defaults to the sober time."`
	JSON         bool      `name:"json" help:"Print the summary as JSON."`
}

func (c *SeriesCmd) Run(ctx *Context) error {
	drinks, err := c.drinks()
	if err != nil {
		return err
	}
	e, p := c.engine(), c.profile()
	from, to := c.From.UTC(), c.To.UTC()
	if c.From.IsZero() {
		from = drinks[0].ConsumedAt
		for _, d := range drinks[1:] {
			if d.ConsumedAt.Before(from) {
				from = d.ConsumedAt
			}
		}
	}
	if c.To.IsZero() {
		last := from
		for _, d := range drinks {
			if d.ConsumedAt.After(last) {
				last = d.ConsumedAt
			}
		}
		if to, err = e.SoberAt(drinks, p, last); err != nil {
			return err
		}
		if to.IsZero() {
			to = last
		}
	}
	sum, err := e.Summarize(drinks, p, from, to, true)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(ctx.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	tw := tabwriter.NewWriter(ctx.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tBAC")
	for _, s := range sum.Samples {
		fmt.Fprintf(tw, "%s\t%.4f\n", s.At.Format(time.RFC3339), s.BAC)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "peak %.4f  average %.4f  samples %d\n", sum.Peak, sum.Average, len(sum.Samples))
	return nil
}

type CatalogValidateCmd struct {
	Path string `arg:"" help:"Catalog file (.yaml, .yml or .json)." type:"existingfile"`
}

func (c *CatalogValidateCmd) Run(ctx *Context) error {
	badges, err := catalog.Load(c.Path)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Out, "%s: %d badges OK\n", c.Path, len(badges))
	return nil
}

type CatalogShowCmd struct {
	Path string `arg:"" optional:"" help:"Catalog file. Defaults to the built-in catalog." type:"existingfile"`
}

func (c *CatalogShowCmd) Run(ctx *Context) error {
	badges := catalog.Default()
	if c.Path != "" {
		var err error
		if badges, err = catalog.Load(c.Path); err != nil {
			return err
		}
	}
	tw := tabwriter.NewWriter(ctx.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tPOINTS\tCRITERIA")
	for _, b := range badges {
		conds := make([]string, len(b.Criteria.Conditions))
		for i, cond := range b.Criteria.Conditions {
			conds[i] = fmt.Sprintf("%s %s %g", cond.Metric, cond.Operator, cond.Value)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", b.ID, b.Category, b.Points, strings.Join(conds, " AND "))
	}
	return tw.Flush()
}
