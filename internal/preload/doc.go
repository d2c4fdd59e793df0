/*
Package preload predicts which pages the user will view next and loads them
in the background.

Every UpdateScroll recomputes a window around the current page:

	look-ahead  = min(BaseWindow + velocity/VelocityUnit, MaxWindow)
	look-behind = MaxLookBehind, or 0 at FastVelocity and above

The window then shrinks with memory pressure (Warning halves it, Critical
keeps one page ahead) and with the network (cellular halves it, a slow
network keeps only adjacent pages). Pages closer to the current one rank
higher, and pages in the scroll direction gain with velocity.

A single dispatch goroutine starts queued tasks in priority order until the
concurrency limit is reached. The limit follows the same conditions and drops
to zero at Urgent pressure, which suspends new work while letting running
loads finish. Tasks that leave the window are cancelled, in flight or not.

The time between a preload finishing and the user arriving at that page is
reported as the average lead time.
*/
package preload
