package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"shipyard.ai/internal/persistence/snapshot"
	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/registry"
	"shipyard.ai/internal/sim/world"
)

// loadRegistry decodes the saved registry blob. Unlike the server, the admin
// tool refuses to continue on a corrupt blob so it never overwrites one.
func loadRegistry(ctx context.Context, meta world.MetaStore) (*registry.Registry, error) {
	reg := registry.New(nil)
	blob, ok, err := meta.GetMeta(ctx, registry.SnapshotKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return reg, nil
	}
	if err := reg.Deserialize(blob); err != nil {
		return nil, err
	}
	return reg, nil
}

func saveRegistry(ctx context.Context, meta world.MetaStore, reg *registry.Registry) error {
	blob, err := reg.Serialize()
	if err != nil {
		return err
	}
	return meta.PutMeta(ctx, registry.SnapshotKey, blob)
}

// resolve accepts either a claimant uuid or its name.
func resolve(reg *registry.Registry, ref string) (uuid.UUID, bool) {
	if id, err := uuid.Parse(ref); err == nil {
		if _, ok := reg.GetByIdentity(id); ok {
			return id, true
		}
	}
	rec, ok := reg.GetByName(ref)
	return rec.ID, ok
}

func applyClaim(reg *registry.Registry, id uuid.UUID, name string, g claim.Geometry) error {
	reg.CreateOrGet(id)
	if name != "" && !reg.Rename(id, name) {
		return fmt.Errorf("name %q is taken", name)
	}
	return reg.InsertClaim(id, g)
}

func exportCmd(args []string) {
	fs, dataDir, worldID := worldFlags("export")
	out := fs.String("out", "", "output file (required)")
	_ = fs.Parse(args)
	if *out == "" {
		fmt.Fprintln(os.Stderr, "missing -out")
		os.Exit(2)
	}
	db := openDB(*dataDir, *worldID)
	defer db.Close()

	blob, ok, err := db.GetMeta(context.Background(), registry.SnapshotKey)
	if err != nil {
		fail("read registry", err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "world has no saved registry")
		os.Exit(1)
	}
	if err := snapshot.WriteFile(*out, blob); err != nil {
		fail("write", err)
	}
	fmt.Println(*out)
}

func importCmd(args []string) {
	fs, dataDir, worldID := worldFlags("import")
	in := fs.String("in", "", "registry snapshot file (required)")
	_ = fs.Parse(args)
	if *in == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}
	blob, err := snapshot.ReadFile(*in)
	if err != nil {
		fail("read", err)
	}
	// Decode first so a bad file never replaces a good blob.
	reg := registry.New(nil)
	if err := reg.Deserialize(blob); err != nil {
		fail("decode", err)
	}

	db := openDB(*dataDir, *worldID)
	defer db.Close()
	if err := db.PutMeta(context.Background(), registry.SnapshotKey, blob); err != nil {
		fail("write registry", err)
	}
	fmt.Printf("imported %d claimants\n", reg.Len())
}
