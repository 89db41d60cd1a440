/*
Package security provides the cryptographic primitives backing mTLS between
core-loop replicas and Control API clients.

CertAuthority holds a self-signed root (RSA-4096, 10-year validity) and
issues short-lived (90-day) leaf certificates: IssueNodeCertificate for
core-loop replicas joining the raft cluster, IssueClientCertificate for
labctl and other API callers. The root key is persisted through
store.Store.SaveCA/GetCA, encrypted at rest with the cluster key derived by
DeriveKeyFromClusterID. certs.go handles certificate file layout under
~/.labord/certs and rotation-threshold checks; secrets.go provides the
AES-256-GCM primitives used for that encryption.

# Usage

	key := security.DeriveKeyFromClusterID(clusterID)
	security.SetClusterEncryptionKey(key)

	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil { ... }
	ca.SaveToStore()

	nodeCert, err := ca.IssueNodeCertificate(nodeID, "core", dnsNames, ips)
	security.SaveCertToFile(nodeCert, certDir)
*/
package security
