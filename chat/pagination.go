package chat

import "github.com/tcriess/lightspeed-course-chat/types"

// Pagination tracks which message pages of the active room are loaded. There is at most one page request in
// flight, further triggers are ignored until it is answered.
type Pagination struct {
	page      int // last successfully loaded page, 0 before page 1 arrived
	requested int // page of the outstanding request, 0 if there is none
	hasMore   bool
}

func NewPagination() *Pagination {
	return &Pagination{hasMore: true}
}

func (p *Pagination) Reset() {
	*p = Pagination{hasMore: true}
}

func (p *Pagination) Page() int {
	return p.page
}

func (p *Pagination) HasMore() bool {
	return p.hasMore
}

func (p *Pagination) InFlight() bool {
	return p.requested != 0
}

// Requested returns the page of the outstanding request, 0 if there is none.
func (p *Pagination) Requested() int {
	return p.requested
}

// BeginFirst marks page 1 as requested. It supersedes any outstanding request.
func (p *Pagination) BeginFirst() int {
	p.requested = 1
	return 1
}

// BeginNext returns the next older page to request. ok is false if page 1 is not loaded yet, the last page was
// already reached or a request is in flight.
func (p *Pagination) BeginNext() (int, bool) {
	if p.page == 0 || !p.hasMore || p.requested != 0 {
		return 0, false
	}
	p.requested = p.page + 1
	return p.requested, true
}

// Cancel forgets the outstanding request, used when it could not be sent.
func (p *Pagination) Cancel() {
	p.requested = 0
}

// Resolve matches a page response against the outstanding request and clears it. ok is false for unsolicited or
// stale responses, those must not be applied.
func (p *Pagination) Resolve(resp types.MessagesPayload) (int, bool) {
	if p.requested == 0 {
		return 0, false
	}
	if resp.Page != 0 && resp.Page != p.requested {
		return 0, false
	}
	page := p.requested
	p.requested = 0
	return page, true
}

// Loaded records a successful page response with count messages. The page counter only grows, except for a
// fresh page 1 load.
func (p *Pagination) Loaded(page, count, totalPages int) {
	if page == 1 || page > p.page {
		p.page = page
	}
	switch {
	case totalPages > 0:
		p.hasMore = p.page < totalPages
	case count == 0 && page > 1:
		p.hasMore = false
	case page == 1:
		p.hasMore = true
	}
}
