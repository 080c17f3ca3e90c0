/*
Package recordstore turns a storage.Watcher into live, normalized RecordSets.

A Client opens one Subscription per collection. The subscription keeps the
canonical document map for that collection, folds every store batch into
it, and hands the handler a fresh RecordSet sorted by the requested
OrderSpec with ties broken by id. Pushes are never coalesced: each batch
produces exactly one Update, in store order.

Raw documents are normalized by a Decoder. Timestamps may arrive as
time.Time, RFC3339 strings, {seconds, nanoseconds} objects or epoch
milliseconds; all of them leave as time.Time. A record whose fields cannot
be decoded is still delivered, flagged with DecodeError and a reason.

Store failures reach the handler as an Update with Err set to a
*types.StoreError of stable kind. The subscription stays open; backends
retry on their own and follow up with a fresh set.

	sub, err := client.Subscribe(ctx, "incidents", types.DefaultOrder, func(u recordstore.Update) {
		if u.Err != nil {
			showBanner(u.Err)
			return
		}
		render(u.Set)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
*/
package recordstore
