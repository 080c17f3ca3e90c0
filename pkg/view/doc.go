/*
Package view derives the visible page of a collection from its live record
set, the pending optimistic edits and the user's view State.

Compute runs four steps, each exported on its own:

 1. Merge overlays the edits. Payload fields win over server fields, a
    delete hides the record, and an edit for a record the server has not
    sent yet still appears. Touched records are flagged Pending.
 2. Filter ANDs every active field filter with the free-text term. A field
    filter compares the stringified value (or, for lists, any element) with
    the wanted value. The term is a case-insensitive substring match over
    the id and every field, with non-string values stringified first.
 3. Sort orders by the configured column with ties broken by id, so paging
    through unchanged input is deterministic.
 4. Paginate clamps the page into range; pageCount is never below 1.

Everything here is pure and total. Missing or oddly typed fields are treated
as empty, never as errors, so one bad record cannot blank a page.
*/
package view
