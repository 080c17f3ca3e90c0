/*
Package controller binds one collection to one page of the application.

A Controller owns a record store subscription, an optimistic edit buffer
and a view.State. Reads are derived on demand:

	records (subscription) + pending edits + view state -> view.Compute

Mutations follow one contract for create, update and delete:

 1. validate locally with the collection's schema.Schema; a failure
    returns *schema.ValidationError and nothing is sent
 2. apply an optimistic edit so the change shows immediately
 3. call the gateway
 4. on rejection, transport failure or a malformed result, roll the edit
    back (unless a newer edit superseded it), raise a transient notice
    and return the error
 5. on success, keep the edit until a record set shows the store has
    absorbed it

Subscription failures raise a persistent notice once per error kind and
are exposed through StoreErr until the next record set arrives. They never
roll back edits.
*/
package controller
