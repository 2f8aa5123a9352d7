// Package password hashes and verifies passwords with Argon2id in PHC form:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// DummyVerify spends the same work as a real verification so that a login
// for an unknown user costs the same as one with a wrong password.
package password
