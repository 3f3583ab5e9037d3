/*
Package dyndns keeps a single DNS A record pointed at the machine's current
public IPv4 address.

Usage starts with [dyndns.New],
which builds a [Client] from a [RecordConfig] and optional overrides.
Each call to [Client.Reconcile] performs one drift check:
it discovers the current public IP from third-party lookup services,
reads the address currently published in DNS,
and calls the remote update function only when the two differ.
[RunDaemon] repeats the check on an interval until the context is cancelled.

The remote update function is the only writer of DNS state.
Requests to it are authenticated with a short-lived Google identity token
issued from a service-account credential file and renewed before expiry.
*/
package dyndns
