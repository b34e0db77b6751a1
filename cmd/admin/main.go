package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"shipyard.ai/internal/persistence/cellstore"
	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/tuning"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "list":
		listCmd(args)
	case "owner":
		ownerCmd(args)
	case "rename":
		renameCmd(args)
	case "claim":
		claimCmd(args)
	case "cells":
		cellsCmd(args)
	case "stats":
		statsCmd(args)
	case "export":
		exportCmd(args)
	case "import":
		importCmd(args)
	case "block":
		blockCmd(args)
	case "setblock":
		setBlockCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <list|owner|rename|claim|cells|stats|export|import|block|setblock> -world ID [flags] [args]")
}

// worldFlags registers the flags every subcommand shares.
func worldFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required)")
	return fs, dataDir, worldID
}

func openDB(dataDir, worldID string) *cellstore.SQLite {
	if strings.TrimSpace(worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	db, err := cellstore.OpenSQLite(worldPath(dataDir, worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return db
}

func worldPath(dataDir, worldID string) string {
	return filepath.Join(dataDir, "worlds", worldID, "world.sqlite")
}

// loadTuning reads path over the defaults; a missing file means defaults.
func loadTuning(path string) tuning.Tuning {
	if _, err := os.Stat(path); err != nil {
		return tuning.Defaults()
	}
	tune, err := tuning.Load(path)
	if err != nil {
		fail("load tuning", err)
	}
	return tune
}

func fail(what string, err error) {
	fmt.Fprintln(os.Stderr, what+":", err)
	os.Exit(1)
}

func listCmd(args []string) {
	fs, dataDir, worldID := worldFlags("list")
	_ = fs.Parse(args)
	db := openDB(*dataDir, *worldID)
	defer db.Close()

	reg, err := loadRegistry(context.Background(), db)
	if err != nil {
		fail("load registry", err)
	}
	for _, rec := range reg.All() {
		where := "-"
		if rec.Claimed {
			where = rec.Claim.String()
		}
		fmt.Printf("%s\t%s\t%s\n", rec.ID, rec.Name, where)
	}
}

func ownerCmd(args []string) {
	fs, dataDir, worldID := worldFlags("owner")
	point := fs.Bool("point", false, "treat x z as world block coordinates instead of cell coordinates")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: admin owner -world ID [-point] x z")
		os.Exit(2)
	}
	x, z, err := parseXZ(fs.Arg(0), fs.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	db := openDB(*dataDir, *worldID)
	defer db.Close()

	reg, err := loadRegistry(context.Background(), db)
	if err != nil {
		fail("load registry", err)
	}
	locate := reg.LocateOwner
	if *point {
		locate = reg.LocateOwnerAtPoint
	}
	id, ok := locate(x, z)
	if !ok {
		fmt.Println("unclaimed")
		return
	}
	rec, _ := reg.GetByIdentity(id)
	fmt.Printf("%s\t%s\n", id, rec.Name)
}

func renameCmd(args []string) {
	fs, dataDir, worldID := worldFlags("rename")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: admin rename -world ID <id|name> new-name")
		os.Exit(2)
	}
	db := openDB(*dataDir, *worldID)
	defer db.Close()

	ctx := context.Background()
	reg, err := loadRegistry(ctx, db)
	if err != nil {
		fail("load registry", err)
	}
	id, ok := resolve(reg, fs.Arg(0))
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown claimant:", fs.Arg(0))
		os.Exit(1)
	}
	if !reg.Rename(id, fs.Arg(1)) {
		fmt.Fprintln(os.Stderr, "name taken:", fs.Arg(1))
		os.Exit(1)
	}
	if err := saveRegistry(ctx, db, reg); err != nil {
		fail("save registry", err)
	}
	fmt.Printf("%s\t%s\n", id, fs.Arg(1))
}

func claimCmd(args []string) {
	fs, dataDir, worldID := worldFlags("claim")
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "tuning file used for the default radius")
	radius := fs.Int("radius", -1, "claim radius in cells (defaults to tuning default_claim_radius)")
	idFlag := fs.String("id", "", "claimant uuid (new one when empty)")
	name := fs.String("name", "", "claimant name")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: admin claim -world ID [-id UUID] [-name N] [-radius R] cx cz")
		os.Exit(2)
	}
	cx, cz, err := parseXZ(fs.Arg(0), fs.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	tune := loadTuning(*tuningPath)
	r := tune.DefaultClaimRadius
	if *radius >= 0 {
		r = int32(*radius)
	}
	if tune.MaxClaimRadius > 0 && r > tune.MaxClaimRadius {
		fmt.Fprintf(os.Stderr, "radius %d exceeds max_claim_radius %d\n", r, tune.MaxClaimRadius)
		os.Exit(2)
	}
	g, err := claim.New(cx, cz, r)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	id := uuid.New()
	if s := strings.TrimSpace(*idFlag); s != "" {
		if id, err = uuid.Parse(s); err != nil {
			fmt.Fprintln(os.Stderr, "bad -id:", err)
			os.Exit(2)
		}
	}

	db := openDB(*dataDir, *worldID)
	defer db.Close()
	ctx := context.Background()
	reg, err := loadRegistry(ctx, db)
	if err != nil {
		fail("load registry", err)
	}
	if err := applyClaim(reg, id, *name, g); err != nil {
		fail("claim", err)
	}
	if err := saveRegistry(ctx, db, reg); err != nil {
		fail("save registry", err)
	}
	rec, _ := reg.GetByIdentity(id)
	fmt.Printf("%s\t%s\t%s\n", rec.ID, rec.Name, rec.Claim)
}

func cellsCmd(args []string) {
	fs, dataDir, worldID := worldFlags("cells")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin cells -world ID <id|name>")
		os.Exit(2)
	}
	db := openDB(*dataDir, *worldID)
	defer db.Close()

	ctx := context.Background()
	reg, err := loadRegistry(ctx, db)
	if err != nil {
		fail("load registry", err)
	}
	id, ok := resolve(reg, fs.Arg(0))
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown claimant:", fs.Arg(0))
		os.Exit(1)
	}
	cells, err := db.OwnedCells(ctx, id)
	if err != nil {
		fail("query", err)
	}
	for _, c := range cells {
		fmt.Println(c)
	}
}

func statsCmd(args []string) {
	fs, dataDir, worldID := worldFlags("stats")
	_ = fs.Parse(args)
	db := openDB(*dataDir, *worldID)
	defer db.Close()

	ctx := context.Background()
	reg, err := loadRegistry(ctx, db)
	if err != nil {
		fail("load registry", err)
	}
	stored, err := db.CountCells(ctx)
	if err != nil {
		fail("count cells", err)
	}
	fmt.Printf("claimants\t%d\nclaimed_cells\t%d\nstored_cells\t%d\n", reg.Len(), reg.ClaimedCells(), stored)
}

func parseXZ(xs, zs string) (int32, int32, error) {
	x, err := strconv.ParseInt(strings.TrimSpace(xs), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad x %q", xs)
	}
	z, err := strconv.ParseInt(strings.TrimSpace(zs), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad z %q", zs)
	}
	return int32(x), int32(z), nil
}
