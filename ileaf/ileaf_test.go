package ileaf

import "testing"

const testBlockSize = 256

func TestInsertLookupBytesRoundTrip(t *testing.T) {
	l := New(0)
	if err := l.Insert(testBlockSize, 3, []byte("three")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := l.Insert(testBlockSize, 1, []byte("one")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	reloaded, err := ParseLeaf(l.Bytes(testBlockSize))
	if err != nil {
		t.Fatalf("ParseLeaf: %v", err)
	}
	got, ok := reloaded.Lookup(3)
	if !ok || string(got) != "three" {
		t.Fatalf("Lookup(3) = (%q,%v)", got, ok)
	}
	got, ok = reloaded.Lookup(1)
	if !ok || string(got) != "one" {
		t.Fatalf("Lookup(1) = (%q,%v)", got, ok)
	}
	if _, ok := reloaded.Lookup(2); ok {
		t.Fatalf("Lookup(2) unexpectedly found")
	}
}

func TestPurgeRemovesEntry(t *testing.T) {
	l := New(0)
	must(t, l.Insert(testBlockSize, 7, []byte("x")))
	l.Purge(7)
	if _, ok := l.Lookup(7); ok {
		t.Fatalf("Purge did not remove inum 7")
	}
}

func TestFindEmptyInodeSkipsOccupied(t *testing.T) {
	l := New(0)
	must(t, l.Insert(testBlockSize, 0, []byte("a")))
	must(t, l.Insert(testBlockSize, 1, []byte("b")))
	inum, ok := l.FindEmptyInode(testBlockSize, 0)
	if !ok || inum != 2 {
		t.Fatalf("FindEmptyInode = (%d,%v), want (2,true)", inum, ok)
	}
}

func TestSplitPartitionsByInum(t *testing.T) {
	l := New(0)
	for i := uint64(0); i < 40; i++ {
		must(t, l.Insert(1<<20, i, []byte{byte(i)}))
	}
	right, splitInum, err := l.Split()
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for i := uint64(0); i < 40; i++ {
		leftHas := false
		if _, ok := l.Lookup(i); ok {
			leftHas = true
		}
		rightHas := false
		if _, ok := right.Lookup(i); ok {
			rightHas = true
		}
		if leftHas == rightHas {
			t.Fatalf("inum %d present in both/neither half (left=%v right=%v)", i, leftHas, rightHas)
		}
		if rightHas && i < splitInum {
			t.Fatalf("inum %d < splitInum %d found in right half", i, splitInum)
		}
	}
	if right.IBase() < l.ibase {
		t.Fatalf("right half ibase %d below left's ibase %d", right.IBase(), l.ibase)
	}
}

func TestMergeAfterSplitRestoresAll(t *testing.T) {
	l := New(0)
	for i := uint64(0); i < 30; i++ {
		must(t, l.Insert(1<<20, i, []byte{byte(i)}))
	}
	right, _, err := l.Split()
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	ok, err := l.Merge(1<<20, right)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !ok {
		t.Fatalf("Merge refused with ample room")
	}
	for i := uint64(0); i < 30; i++ {
		if _, ok := l.Lookup(i); !ok {
			t.Fatalf("lost inum %d after split+merge", i)
		}
	}
}

func TestChopDropsInumsAtAndAboveKey(t *testing.T) {
	l := New(0)
	for i := uint64(0); i < 10; i++ {
		must(t, l.Insert(1<<20, i, []byte{byte(i)}))
	}
	l.Chop(5)
	for i := uint64(0); i < 10; i++ {
		_, ok := l.Lookup(i)
		if i < 5 && !ok {
			t.Fatalf("Chop(5) dropped inum %d below the key", i)
		}
		if i >= 5 && ok {
			t.Fatalf("Chop(5) kept inum %d at/above the key", i)
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
