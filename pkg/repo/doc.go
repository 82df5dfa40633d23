// Package repo maintains the binary package repositories: what is on
// disk, what the package databases say, and the repo tool runs that
// change either.
//
// A repo has two views that should agree:
//
//	x86_64/, i686/ dirs          <repo>.db.tar.gz
//	        │                           │
//	  ScanFilesystem              ScanALPM
//	        │                           │
//	     pkgs_fs  ──── Reconcile ──── pkgs_alpm
//	                       │
//	          packages, unaccounted_for
//
// Reconcile stores the names present in both views as the packages
// manifest and the names present in exactly one as unaccounted_for. A
// version mismatch with the name in both views is a pending update, not
// drift.
//
// Mutations go through Updater.Update, which runs the repo tool inside
// a sandbox and must only ever be invoked from the update_repo worker.
// That worker being the sole writer is the whole concurrency story
// for the repo dirs; nothing here takes filesystem locks.
//
// Watcher covers the gap: changes made behind the updater's back (a
// sync script, a manual rm) are detected with fsnotify and answered
// with a reconcile job, never with a direct mutation.
package repo
