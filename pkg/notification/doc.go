// Package notification delivers out-of-band notices such as one-time login
// codes and impersonation confirmation requests.
//
// A NotificationManager routes each NoticeType to the notifiers that have a
// template registered for it. Templates are Go text/html templates rendered
// against NotificationData.Data.
package notification
