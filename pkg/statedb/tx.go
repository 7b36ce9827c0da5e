package statedb

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// InsertState records a new state row. Called from Phase 2 (Prepare)
// before the new state has succeeded.
func (t *Tx) InsertState(s State) error {
	b := t.tx.Bucket(bucketStates)
	return putJSON(b, []byte(s.ID), s)
}

// GetState fetches a state by ID.
func (t *Tx) GetState(id string) (State, bool, error) {
	b := t.tx.Bucket(bucketStates)
	var s State
	ok, err := getJSON(b, []byte(id), &s)
	return s, ok, err
}

// SetStateSuccess flips a state's Success flag, called from Phase 4
// (Activate) once the swap has completed.
func (t *Tx) SetStateSuccess(id string, success bool) error {
	b := t.tx.Bucket(bucketStates)
	var s State
	ok, err := getJSON(b, []byte(id), &s)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("state %s not found", id)
	}
	s.Success = success
	return putJSON(b, []byte(id), s)
}

// SetStateRollbackOf annotates an existing state row with the state ID
// that was active immediately before it was reactivated by a rollback,
// without touching any of the row's other fields. Used instead of
// InsertState when a rollback reactivates a state that already exists,
// rather than minting a new one.
func (t *Tx) SetStateRollbackOf(id, rollbackOf string) error {
	b := t.tx.Bucket(bucketStates)
	var s State
	ok, err := getJSON(b, []byte(id), &s)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("state %s not found", id)
	}
	s.RollbackOf = rollbackOf
	return putJSON(b, []byte(id), s)
}

// ListStates returns every recorded state, oldest first.
func (t *Tx) ListStates() ([]State, error) {
	b := t.tx.Bucket(bucketStates)
	var states []State
	err := b.ForEach(func(k, v []byte) error {
		var s State
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		states = append(states, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool { return states[i].CreatedAt.Before(states[j].CreatedAt) })
	return states, nil
}

// DeleteState removes a state row and its linked package/file buckets.
// Callers (PruneStates) must ensure refcounts were already decremented
// before calling this.
func (t *Tx) DeleteState(id string) error {
	if err := t.tx.Bucket(bucketStates).Delete([]byte(id)); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketStatePackages).DeleteBucket([]byte(id)); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	if err := t.tx.Bucket(bucketStateFiles).DeleteBucket([]byte(id)); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	return nil
}

// SetActiveState records which state the live slot currently materializes.
func (t *Tx) SetActiveState(id string) error {
	return t.tx.Bucket(bucketActive).Put(keyActiveState, []byte(id))
}

// GetActiveState returns the currently active state ID, or "" if none.
func (t *Tx) GetActiveState() (string, error) {
	v := t.tx.Bucket(bucketActive).Get(keyActiveState)
	return string(v), nil
}

// LinkPackage records that state stateID installs the given package.
func (t *Tx) LinkPackage(stateID string, ref PackageRef) error {
	nested, err := t.tx.Bucket(bucketStatePackages).CreateBucketIfNotExists([]byte(stateID))
	if err != nil {
		return err
	}
	return putJSON(nested, []byte(ref.Hash), ref)
}

// GetStatePackages returns every package a state installs.
func (t *Tx) GetStatePackages(stateID string) ([]PackageRef, error) {
	nested := t.tx.Bucket(bucketStatePackages).Bucket([]byte(stateID))
	if nested == nil {
		return nil, nil
	}
	var refs []PackageRef
	err := nested.ForEach(func(k, v []byte) error {
		var ref PackageRef
		if err := json.Unmarshal(v, &ref); err != nil {
			return err
		}
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

// AddInstalledFile records that state stateID installs a file at path.
func (t *Tx) AddInstalledFile(stateID string, f InstalledFile) error {
	nested, err := t.tx.Bucket(bucketStateFiles).CreateBucketIfNotExists([]byte(stateID))
	if err != nil {
		return err
	}
	return putJSON(nested, []byte(f.Path), f)
}

// GetStateFiles returns every file a state installs.
func (t *Tx) GetStateFiles(stateID string) ([]InstalledFile, error) {
	nested := t.tx.Bucket(bucketStateFiles).Bucket([]byte(stateID))
	if nested == nil {
		return nil, nil
	}
	var files []InstalledFile
	err := nested.ForEach(func(k, v []byte) error {
		var f InstalledFile
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	return files, err
}

// GetPackageObject fetches package-level store object metadata by hash.
func (t *Tx) GetPackageObject(hash string) (PackageObject, bool, error) {
	b := t.tx.Bucket(bucketPackageObjects)
	var obj PackageObject
	ok, err := getJSON(b, []byte(hash), &obj)
	return obj, ok, err
}

// PutPackageObject inserts or overwrites package-level store object
// metadata.
func (t *Tx) PutPackageObject(obj PackageObject) error {
	return putJSON(t.tx.Bucket(bucketPackageObjects), []byte(obj.Hash), obj)
}

// IncrementPackageRefs adjusts a package object's refcount by delta and
// returns the new count. The object must already exist.
func (t *Tx) IncrementPackageRefs(hash string, delta int) (int, error) {
	obj, ok, err := t.GetPackageObject(hash)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("package object %s not found", hash)
	}
	obj.RefCount += delta
	if obj.RefCount < 0 {
		return 0, fmt.Errorf("package object %s refcount underflow", hash)
	}
	if err := t.PutPackageObject(obj); err != nil {
		return 0, err
	}
	return obj.RefCount, nil
}

// GetFileObject fetches file-level store object metadata by hash.
func (t *Tx) GetFileObject(hash string) (FileObject, bool, error) {
	b := t.tx.Bucket(bucketFileObjects)
	var obj FileObject
	ok, err := getJSON(b, []byte(hash), &obj)
	return obj, ok, err
}

// PutFileObject inserts or overwrites file-level store object metadata.
func (t *Tx) PutFileObject(obj FileObject) error {
	return putJSON(t.tx.Bucket(bucketFileObjects), []byte(obj.Hash), obj)
}

// IncrementFileRefs adjusts a file object's refcount by delta and returns
// the new count. The object must already exist.
func (t *Tx) IncrementFileRefs(hash string, delta int) (int, error) {
	obj, ok, err := t.GetFileObject(hash)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("file object %s not found", hash)
	}
	obj.RefCount += delta
	if obj.RefCount < 0 {
		return 0, fmt.Errorf("file object %s refcount underflow", hash)
	}
	if err := t.PutFileObject(obj); err != nil {
		return 0, err
	}
	return obj.RefCount, nil
}

// DeletePackageObject removes a package object row. Callers (pkg/store's
// GC sweep phase) must ensure its refcount is already zero and that it is
// physically deleted from the filesystem.
func (t *Tx) DeletePackageObject(hash string) error {
	return t.tx.Bucket(bucketPackageObjects).Delete([]byte(hash))
}

// DeleteFileObject removes a file object row. Same preconditions as
// DeletePackageObject.
func (t *Tx) DeleteFileObject(hash string) error {
	return t.tx.Bucket(bucketFileObjects).Delete([]byte(hash))
}

// ListPackageObjects returns every package-level store object.
func (t *Tx) ListPackageObjects() ([]PackageObject, error) {
	var objs []PackageObject
	err := t.tx.Bucket(bucketPackageObjects).ForEach(func(k, v []byte) error {
		var obj PackageObject
		if err := json.Unmarshal(v, &obj); err != nil {
			return err
		}
		objs = append(objs, obj)
		return nil
	})
	return objs, err
}

// ListFileObjects returns every file-level store object.
func (t *Tx) ListFileObjects() ([]FileObject, error) {
	var objs []FileObject
	err := t.tx.Bucket(bucketFileObjects).ForEach(func(k, v []byte) error {
		var obj FileObject
		if err := json.Unmarshal(v, &obj); err != nil {
			return err
		}
		objs = append(objs, obj)
		return nil
	})
	return objs, err
}

// GetVerificationRecord fetches the cached verification result for path.
func (t *Tx) GetVerificationRecord(path string) (VerificationRecord, bool, error) {
	b := t.tx.Bucket(bucketVerifyCache)
	var rec VerificationRecord
	ok, err := getJSON(b, []byte(path), &rec)
	return rec, ok, err
}

// PutVerificationRecord inserts or overwrites path's cached verification
// result. Guard cycles call this under a brief DB write lock; the file
// operations that produced the result happen outside that lock.
func (t *Tx) PutVerificationRecord(rec VerificationRecord) error {
	return putJSON(t.tx.Bucket(bucketVerifyCache), []byte(rec.Path), rec)
}

// DeleteVerificationRecord drops path's cached result, used when a file
// is healed or removed so a stale cache entry can't mask the next cycle's
// check.
func (t *Tx) DeleteVerificationRecord(path string) error {
	return t.tx.Bucket(bucketVerifyCache).Delete([]byte(path))
}
