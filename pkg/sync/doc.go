/*
The sync package implements dirmirror's mirroring algorithm. It makes a replica
directory tree converge to an exact copy of a source directory tree, and keeps
it that way by repeating the reconciliation on a fixed schedule.

There are two kinds of trees:
 1. The source tree -- the authoritative files. dirmirror never writes to it.
 2. The replica tree -- the copy. Entries that don't exist in the source are
    deleted here.

A pass walks both trees depth first. Within each directory, files and
subdirectories from the source are created or updated before orphaned replica
entries are deleted, so a rename in the source shows up in the replica as
"copy new, then delete old".

Files are compared by modification time only. A source file is copied when the
replica file is missing or older. Contents are never hashed, so a change that
doesn't advance the modification time isn't noticed.

Failures on individual entries are reported as events and skipped. They're
retried on the next pass.
*/
package sync
