/*
Package reconciler sweeps page controllers for optimistic edits that the
store has not confirmed in time.

Edits are cleared by the controllers themselves when a record set shows
the store has absorbed them. The reconciler only watches the ones that
linger:

	┌──────────────────────────────────────┐
	│        Sweep (every interval)        │
	└──────────────────┬───────────────────┘
	                   │
	      for each registered Source
	                   │
	        ┌──────────┴──────────┐
	        ▼                     ▼
	   Pending()            Overdue(now)
	        │                     │
	        ▼                     ▼
	runway_edits_pending   runway_edits_overdue
	                       + one warning per edit

Overdue edits are reported, never rolled back. Each one is logged once
per revision (Seq), not on every sweep.

# Usage

	r := reconciler.NewReconciler(cfg.Edits.SweepInterval, logger)
	unregister := r.Register(ctrl)
	defer unregister()

	r.Start()
	defer r.Stop()
*/
package reconciler
