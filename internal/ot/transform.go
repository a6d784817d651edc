package ot

// Conflict records one pairwise transform that altered a client operation.
type Conflict struct {
	Index       int       `json:"index"`       // position of the client op in its batch
	Original    Operation `json:"original"`    // client op before this transform
	Transformed Operation `json:"transformed"` // client op after this transform
	Against     Operation `json:"against"`     // server op it was transformed against
}

// Transform rewrites two concurrent operations created against the same
// content so that applying server then client' gives the same content as
// applying client then every op of server' in order.
//
// The server side is a slice because a server delete that surrounds a client
// insert is split around the surviving insert. Ties between inserts at the
// same position are won by the client, whose insert stays in place. Pairs
// involving retain or format pass through.
func Transform(client, server Operation) (Operation, []Operation) {
	switch {
	case client.Type == TypeInsert && server.Type == TypeInsert:
		c, s := transformInsertInsert(client, server)
		return c, []Operation{s}
	case client.Type == TypeDelete && server.Type == TypeDelete:
		c, s := transformDeleteDelete(client, server)
		return c, []Operation{s}
	case client.Type == TypeInsert && server.Type == TypeDelete:
		return transformInsertDelete(client, server)
	case client.Type == TypeDelete && server.Type == TypeInsert:
		c, s := transformDeleteInsert(client, server)
		return c, []Operation{s}
	default:
		return client, []Operation{server}
	}
}

func transformInsertInsert(client, server Operation) (Operation, Operation) {
	if client.Position <= server.Position {
		server.Position += client.InsertedLength()
	} else {
		client.Position += server.InsertedLength()
	}
	return client, server
}

// transformDeleteDelete deletes overlapping text once. Each side keeps only
// what the other has not already removed; a fully covered side becomes an
// empty retain.
func transformDeleteDelete(client, server Operation) (Operation, Operation) {
	cs, ce := client.Position, client.End()
	ss, se := server.Position, server.End()

	switch {
	case ce <= ss:
		server.Position -= client.Length
		return client, server
	case se <= cs:
		client.Position -= server.Length
		return client, server
	}

	overlap := min(ce, se) - max(cs, ss)
	start := min(cs, ss)
	return shrinkDelete(client, start, client.Length-overlap),
		shrinkDelete(server, start, server.Length-overlap)
}

func shrinkDelete(op Operation, start, length int) Operation {
	if length <= 0 {
		return Retain(start, 0)
	}
	op.Position = start
	op.Length = length
	return op
}

// transformInsertDelete handles a client insert against a server delete. An
// insert strictly inside the deleted range survives at the delete start and
// the delete is split into the parts before and after it.
func transformInsertDelete(ins, del Operation) (Operation, []Operation) {
	switch {
	case ins.Position <= del.Position:
		del.Position += ins.InsertedLength()
		return ins, []Operation{del}
	case ins.Position >= del.End():
		ins.Position -= del.Length
		return ins, []Operation{del}
	}

	start, end, at := del.Position, del.End(), ins.Position
	before, after := del, del
	before.Length = at - start
	// sequential: the first part is already gone when the second applies
	after.Position = start + ins.InsertedLength()
	after.Length = end - at

	ins.Position = start
	return ins, []Operation{before, after}
}

// transformDeleteInsert handles a client delete against a server insert. A
// server insert strictly inside the client range is deleted with it.
func transformDeleteInsert(del, ins Operation) (Operation, Operation) {
	switch {
	case ins.Position <= del.Position:
		del.Position += ins.InsertedLength()
	case ins.Position >= del.End():
		ins.Position -= del.Length
	default:
		start := del.Position
		del.Length += ins.InsertedLength()
		ins = Retain(start, 0)
	}
	return del, ins
}

// TransformAgainst rebases a client batch over server operations that were
// committed after the client's base version. Each server op is carried
// through the client batch (possibly split into several ops) so later
// client ops see it relative to their own base. The input slices are not modified.
func TransformAgainst(clientOps, serverOps []Operation) ([]Operation, []Conflict) {
	out := make([]Operation, len(clientOps))
	copy(out, clientOps)

	var conflicts []Conflict
	for _, against := range serverOps {
		pending := []Operation{against}
		for i := range out {
			before := out[i]
			next := make([]Operation, 0, len(pending))
			for _, server := range pending {
				var rebased []Operation
				out[i], rebased = Transform(out[i], server)
				next = append(next, rebased...)
			}
			pending = next
			if !before.Equal(out[i]) {
				conflicts = append(conflicts, Conflict{
					Index:       i,
					Original:    before,
					Transformed: out[i],
					Against:     against,
				})
			}
		}
	}
	return out, conflicts
}
