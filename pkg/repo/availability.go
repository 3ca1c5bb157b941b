package repo

import (
	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

// checkAvailability walks root's tree verifying every referenced object is
// present. When requireBlobs is false (a metadata-only publication), only
// the manifest/recipe structure itself must exist; chunk and whole-file
// blob bytes may be absent.
func checkAvailability(st *store.Store, root types.ObjectId, requireBlobs bool) error {
	has, err := st.HasManifest(root)
	if err != nil {
		return err
	}
	if !has {
		return cvgerr.Integrityf("manifest %s not present", root)
	}
	m, err := st.GetManifest(root)
	if err != nil {
		return err
	}
	for _, e := range m.Entries {
		switch e.Kind {
		case types.KindFile:
			if err := checkBlob(st, e.Blob, requireBlobs); err != nil {
				return err
			}
		case types.KindFileChunks:
			if err := checkRecipe(st, e.Recipe, requireBlobs); err != nil {
				return err
			}
		case types.KindDir:
			if err := checkAvailability(st, e.DirManifest, requireBlobs); err != nil {
				return err
			}
		case types.KindSuperposition:
			for _, v := range e.Variants {
				switch v.Kind {
				case types.KindFile:
					if err := checkBlob(st, v.Blob, requireBlobs); err != nil {
						return err
					}
				case types.KindFileChunks:
					if err := checkRecipe(st, v.Recipe, requireBlobs); err != nil {
						return err
					}
				case types.KindDir:
					if err := checkAvailability(st, v.DirManifest, requireBlobs); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func checkBlob(st *store.Store, id types.ObjectId, requireBlobs bool) error {
	if !requireBlobs {
		return nil
	}
	ok, err := st.HasBlob(id)
	if err != nil {
		return err
	}
	if !ok {
		return cvgerr.Integrityf("blob %s not present", id)
	}
	return nil
}

func checkRecipe(st *store.Store, id types.ObjectId, requireBlobs bool) error {
	ok, err := st.HasRecipe(id)
	if err != nil {
		return err
	}
	if !ok {
		return cvgerr.Integrityf("recipe %s not present", id)
	}
	if !requireBlobs {
		return nil
	}
	recipe, err := st.GetRecipe(id)
	if err != nil {
		return err
	}
	for _, c := range recipe.Chunks {
		if err := checkBlob(st, c.Blob, true); err != nil {
			return err
		}
	}
	return nil
}
