package main

import "testing"

func TestDecideCollision(t *testing.T) {
	tests := []struct {
		sameUserhost bool
		newTS        int64
		oldTS        int64
		outcome      CollisionOutcome
	}{
		// Same user@host: the older introduction wins; the newer
		// record is the stale one.
		{true, 900, 1000, KillLocal},
		{true, 1000, 900, KillRemote},
		{true, 1000, 1000, KillBoth},

		// Different user@host: the newer nick claim loses.
		{false, 1000, 900, KillLocal},
		{false, 900, 1000, KillRemote},
		{false, 1000, 1000, KillBoth},
	}

	for _, test := range tests {
		got := decideCollision(test.sameUserhost, test.newTS, test.oldTS)
		if got != test.outcome {
			t.Errorf("decideCollision(%v, %d, %d) = %s, wanted %s",
				test.sameUserhost, test.newTS, test.oldTS, got,
				test.outcome)
		}
	}
}

// The collision rule must be symmetric: server A judging B's user
// against its own must reach the mirrored conclusion B reaches
// judging A's user, for every input. Otherwise two servers could
// each keep their side and the network diverges.
func TestDecideCollisionSymmetric(t *testing.T) {
	timestamps := []int64{900, 1000, 1100}

	for _, same := range []bool{true, false} {
		for _, newTS := range timestamps {
			for _, oldTS := range timestamps {
				ours := decideCollision(same, newTS, oldTS)
				theirs := decideCollision(same, oldTS, newTS)

				mirrored := map[CollisionOutcome]CollisionOutcome{
					KillLocal:  KillRemote,
					KillRemote: KillLocal,
					KillBoth:   KillBoth,
				}[theirs]

				if ours != mirrored {
					t.Errorf("asymmetric: same=%v new=%d old=%d: "+
						"ours=%s, theirs=%s", same, newTS, oldTS, ours,
						theirs)
				}
			}
		}
	}
}
